// Package policy はヘッダー検証結果を再生予算と共有可否に変換する。
package policy

import (
	"fmt"
	"math"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/song"
	"github.com/hitoshi/audiodrm/internal/verify"
)

// Mode は予算を求める操作の種類。
type Mode int

const (
	// ModePlay は音声出力による再生。
	ModePlay Mode = iota
	// ModeExport はDIGITALによる共有メモリへの書き出し。
	ModeExport
)

// Unlimited はファイル全体を許可する予算。
const Unlimited uint64 = math.MaxUint64

// Budget は検証結果から再生可能なPCMバイト数を返す。
//
//   - Owner/Shared: 再生は宣言された楽曲長、エクスポートはファイル全体
//   - BadRegion/BadUser: プレビュー（30秒分）
//   - BadSignature: 再生不可
func Budget(o verify.Outcome, h *song.Header, mode Mode) (uint64, error) {
	switch o {
	case verify.Owner, verify.Shared:
		if mode == ModeExport {
			return Unlimited, nil
		}
		return h.DeclaredLength(), nil
	case verify.BadRegion, verify.BadUser:
		return h.PreviewBytes(), nil
	case verify.BadSignature:
		return 0, model.NewBadSignatureError("ヘッダー")
	}
	return 0, fmt.Errorf("unknown header outcome %d", int(o))
}

// CanShare は共有操作が許可される検証結果かを判定する。所有者のみ許可する。
func CanShare(o verify.Outcome) error {
	switch o {
	case verify.Owner:
		return nil
	case verify.BadSignature:
		return model.NewBadSignatureError("ヘッダー")
	case verify.Shared:
		return model.NewPolicyViolationError("共有ユーザーは楽曲を共有できません")
	}
	return model.NewPolicyViolationError(fmt.Sprintf("楽曲の所有者ではありません (%s)", o))
}
