// Package song は保護された楽曲のワイヤフォーマット（ヘッダー、セグメントトレーラー、WAVヘッダー）を定義する。
// すべての整数はリトルエンディアンで、構造体はパディングなしで連続して配置される。
package song

import (
	"encoding/hex"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
)

const (
	IDSize         = 16
	MaxRegions     = 32
	MaxSharedUsers = 64
	WavHeaderSize  = 44

	// HeaderSize はSongHeaderのバイト長。
	HeaderSize = IDSize + model.NameSize + 4*MaxRegions + 4*3 + WavHeaderSize +
		security.MACSize + MaxSharedUsers*model.NameSize + security.MACSize

	// ModuleSigOffset はmodule_signatureの位置。署名対象はこれより前の全バイト。
	ModuleSigOffset = IDSize + model.NameSize + 4*MaxRegions + 4*3 + WavHeaderSize
	// SharedUsersOffset はshared_usersの位置。
	SharedUsersOffset = ModuleSigOffset + security.MACSize
	// OwnerSigOffset はowner_signatureの位置。署名対象はshared_usersまでの全バイト。
	OwnerSigOffset = SharedUsersOffset + MaxSharedUsers*model.NameSize

	// TrailerSize はセグメント末尾に付くトレーラーのバイト長。
	TrailerSize = IDSize + 4 + 4 + security.MACSize + trailerPadSize
	// TrailerSigOffset はトレーラー内の署名の位置。
	TrailerSigOffset = IDSize + 4 + 4
	trailerPadSize   = 40

	// MaxSegmentSize はトレーラーを含む1セグメントの上限。
	MaxSegmentSize = 32000
	// MaxPayloadSize は1セグメントの暗号化データ部の上限。
	MaxPayloadSize = MaxSegmentSize - TrailerSize

	// CipherAlignment は楽曲暗号のアライメント要件。
	CipherAlignment = 64
	// CipherBlockSize は復号アクセラレータのブロック長（AES）。
	CipherBlockSize = 16

	// IntervalsPerSecond はポーリング間隔（250ms）の1秒あたりの数。
	IntervalsPerSecond = 4
	// PreviewSeconds はプレビュー再生の上限秒数。
	PreviewSeconds = 30
)

// トレーラー長が暗号アライメントの倍数でない場合はコンパイルエラーになる。
var _ [0]struct{} = [TrailerSize % CipherAlignment]struct{}{}

// 最大ペイロードがブロック境界に揃っていない場合もコンパイルエラーになる。
var _ [0]struct{} = [MaxPayloadSize % CipherBlockSize]struct{}{}

// ID は楽曲ごとの一意な識別子。
type ID [IDSize]byte

// String は16進表記を返す。
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
