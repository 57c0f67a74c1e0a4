// Package share は所有者による楽曲の共有ユーザー追加を実装する。
package share

import (
	"fmt"
	"log/slog"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/policy"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/session"
	"github.com/hitoshi/audiodrm/internal/song"
	"github.com/hitoshi/audiodrm/internal/verify"
)

// UserStore は共有先の解決に使うユーザー表。
type UserStore interface {
	LookupName(name model.Name) (model.UserID, bool)
	User(id model.UserID) (model.User, bool)
}

// Service は共有操作を提供する。
type Service struct {
	validator *verify.Validator
	users     UserStore
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(validator *verify.Validator, users UserStore, logger *slog.Logger) *Service {
	return &Service{validator: validator, users: users, logger: logger}
}

// Share はheaderの共有ユーザーにtargetを追加し、所有者署名を付け直したヘッダーを返す。
//
// 所有者としてログインしている場合のみ許可する。失敗時はnilを返し、
// 呼び出し側のヘッダーは変更しない。成功・失敗を問わずセッションの楽曲状態は消去する。
func (s *Service) Share(sess *session.Session, header []byte, target model.Name) ([]byte, error) {
	uid, ok := sess.User()
	if !ok {
		return nil, model.NewInvalidStateError("共有")
	}
	defer sess.UnloadSong()

	// 1. ヘッダー検証と所有者判定
	outcome := s.validator.LoadHeader(sess, header)
	if err := policy.CanShare(outcome); err != nil {
		return nil, err
	}

	// 2. 共有先の解決
	tid, ok := s.users.LookupName(target)
	if !ok {
		return nil, model.NewPolicyViolationError(fmt.Sprintf("共有先 %q は登録されていません", target))
	}
	if tid == uid {
		return nil, model.NewPolicyViolationError("所有者自身とは共有できません")
	}

	// 3. 共有ユーザー表の更新
	h := *sess.Song
	if h.HasSharedUser(target) {
		return nil, model.NewPolicyViolationError(fmt.Sprintf("%q とは共有済みです", target))
	}
	if !h.AddSharedUser(target) {
		return nil, model.NewPolicyViolationError("共有ユーザー表が一杯です")
	}

	// 4. 所有者署名の再計算
	owner, _ := s.users.User(uid)
	raw := h.Encode()
	if err := security.SignPrefix(owner.Verifier[:], raw, song.OwnerSigOffset); err != nil {
		return nil, err
	}

	s.logger.Info("楽曲を共有しました",
		slog.String("song_id", h.SongID.String()),
		slog.String("owner", owner.Name.String()),
		slog.String("target", target.String()),
	)
	return raw, nil
}
