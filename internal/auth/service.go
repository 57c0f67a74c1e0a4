// Package auth はPINによるログインと、単一のログインユーザー枠の管理を提供する。
package auth

import (
	"crypto/hmac"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/session"
)

// UserStore はプロビジョニング済みユーザーの参照インターフェース。
type UserStore interface {
	LookupName(name model.Name) (model.UserID, bool)
	User(id model.UserID) (model.User, bool)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	Iterations int        // PBKDF2の反復回数。プロビジョニング時と同じ値を使う
	LoginRate  rate.Limit // ログイン試行のレート（回/秒）。0以下で無制限
	LoginBurst int
}

// Service はログインとログアウトを処理する。
type Service struct {
	users      UserStore
	limiter    *rate.Limiter
	iterations int
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(users UserStore, config ServiceConfig, logger *slog.Logger, mc metrics.MetricsCollector) *Service {
	s := &Service{
		users:      users,
		iterations: config.Iterations,
		logger:     logger,
		metrics:    mc,
	}
	if config.LoginRate > 0 {
		s.limiter = rate.NewLimiter(config.LoginRate, max(config.LoginBurst, 1))
	}
	return s
}

// Login はnameとpinを検証し、成功した場合はセッションをログイン状態にする。
// 失敗時はセッションを変更しない。PINバッファは成否にかかわらず消去する。
func (s *Service) Login(sess *session.Session, name model.Name, pin []byte) (model.UserID, error) {
	if sess.LoggedIn {
		return model.NoUser, model.NewInvalidStateError("ログイン")
	}

	copy(sess.PIN[:], pin)
	defer sess.ClearPIN()

	// 1. 試行回数の制限。制限中はKDFを実行しない
	if s.limiter != nil && !s.limiter.Allow() {
		s.fail("throttled", name)
		return model.NoUser, model.NewAuthFailureError("ログイン試行が多すぎます")
	}

	// 2. ユーザーの解決
	uid, ok := s.users.LookupName(name)
	if !ok {
		s.fail("unknown_user", name)
		return model.NoUser, model.NewAuthFailureError("ユーザーが存在しません")
	}
	user, _ := s.users.User(uid)

	// 3. 検証子の導出と比較
	candidate := security.DeriveVerifier(sess.PIN[:], user.Salt[:], s.iterations)
	match := hmac.Equal(candidate, user.Verifier[:])
	security.Zero(candidate)

	if !match {
		s.fail("wrong_pin", name)
		return model.NoUser, model.NewAuthFailureError("PINが一致しません")
	}

	sess.Login(uid)
	s.logger.Info("ログインしました",
		slog.String("user", name.String()),
		slog.Int("uid", int(uid)),
	)
	return uid, nil
}

// Logout はログイン状態を解除する。ログインしていない場合はfalseを返す。
func (s *Service) Logout(sess *session.Session) bool {
	uid, ok := sess.User()
	if !ok {
		return false
	}
	sess.Logout()
	s.logger.Info("ログアウトしました", slog.Int("uid", int(uid)))
	return true
}

func (s *Service) fail(reason string, name model.Name) {
	s.metrics.RecordLoginFailure(reason)
	s.logger.Warn("ログインに失敗しました",
		slog.String("user", name.String()),
		slog.String("reason", reason),
	)
}
