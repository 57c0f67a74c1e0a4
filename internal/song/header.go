package song

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
)

// Header は楽曲の識別情報と認可メタデータ（drm_header）を表す。
// フィールドの並びはワイヤフォーマットと一致する。
type Header struct {
	SongID           ID
	Owner            model.Name
	Regions          [MaxRegions]model.RegionID // InvalidRegion で終端
	IntervalBytes    uint32                     // 250ms分のPCMバイト数
	SegmentCount     uint32
	FirstSegmentSize uint32 // トレーラーを含む
	Wav              WavHeader
	ModuleSig        [security.MACSize]byte
	SharedUsers      [MaxSharedUsers]model.Name
	OwnerSig         [security.MACSize]byte
}

// ヘッダー構造体のエンコード長がHeaderSizeと一致しない場合はパニックさせる。
func init() {
	if n := binary.Size(Header{}); n != HeaderSize {
		panic(fmt.Sprintf("song: Header encodes to %d bytes, want %d", n, HeaderSize))
	}
	if n := binary.Size(Trailer{}); n != TrailerSize {
		panic(fmt.Sprintf("song: Trailer encodes to %d bytes, want %d", n, TrailerSize))
	}
}

// DecodeHeader はbの先頭HeaderSizeバイトをHeaderとして読み取る。
// 署名の検証は行わない。
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("header too short: %d bytes, want %d", len(b), HeaderSize)
	}
	if _, err := binary.Decode(b[:HeaderSize], binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to decode header: %w", err)
	}
	return h, nil
}

// Encode はヘッダーをワイヤフォーマットのバイト列に変換する。
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	if _, err := binary.Encode(b, binary.LittleEndian, h); err != nil {
		// 固定長構造体のためバッファ不足は起こらない
		panic(err)
	}
	return b
}

// RegionList は終端の番兵までの地域IDを返す。
func (h *Header) RegionList() []model.RegionID {
	var out []model.RegionID
	for _, rid := range h.Regions {
		if rid == model.InvalidRegion {
			break
		}
		out = append(out, rid)
	}
	return out
}

// SetRegions は地域リストを設定し、残りを番兵で埋める。
func (h *Header) SetRegions(ids []model.RegionID) error {
	if len(ids) > MaxRegions {
		return fmt.Errorf("too many regions: %d (max %d)", len(ids), MaxRegions)
	}
	for i := range h.Regions {
		h.Regions[i] = model.InvalidRegion
	}
	copy(h.Regions[:], ids)
	return nil
}

// HasSharedUser はnameが共有ユーザーに含まれているかを返す。
func (h *Header) HasSharedUser(name model.Name) bool {
	if name.Empty() {
		return false
	}
	for _, u := range h.SharedUsers {
		if u == name {
			return true
		}
	}
	return false
}

// SharedUserNames は空きでない共有ユーザー名を返す。
func (h *Header) SharedUserNames() []model.Name {
	var out []model.Name
	for _, u := range h.SharedUsers {
		if !u.Empty() {
			out = append(out, u)
		}
	}
	return out
}

// AddSharedUser はnameを最初の空きスロットに追加する。空きがない場合はfalseを返す。
func (h *Header) AddSharedUser(name model.Name) bool {
	for i := range h.SharedUsers {
		if h.SharedUsers[i].Empty() {
			h.SharedUsers[i] = name
			return true
		}
	}
	return false
}

// PreviewBytes はプレビュー再生で許可されるバイト数（30秒分）を返す。
func (h *Header) PreviewBytes() uint64 {
	return uint64(h.IntervalBytes) * IntervalsPerSecond * PreviewSeconds
}

// BytesPerSecond はヘッダーの間隔長から求めた1秒あたりのバイト数を返す。
func (h *Header) BytesPerSecond() uint64 {
	return uint64(h.IntervalBytes) * IntervalsPerSecond
}

// DeclaredLength は宣言されたPCMデータ長を返す。宣言がない場合は上限なしとして扱う。
func (h *Header) DeclaredLength() uint64 {
	if h.Wav.DataSize == 0 {
		return math.MaxUint64
	}
	return uint64(h.Wav.DataSize)
}
