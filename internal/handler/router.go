package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/audiodrm/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Module         *ModuleHandler
	RateLimiter    *middleware.RateLimiter
	Logging        func(http.Handler) http.Handler
	Recovery       func(http.Handler) http.Handler
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	if deps.Logging != nil {
		r.Use(deps.Logging)
	}
	if deps.Recovery != nil {
		r.Use(deps.Recovery)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	})
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	h := deps.Module
	r.Route("/v1", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// セッション
		r.Route("/session", func(r chi.Router) {
			login := http.HandlerFunc(h.Login)
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", login)
			} else {
				r.Post("/login", login)
			}
			r.Post("/logout", h.Logout)
		})

		r.Get("/device", h.Device)

		// 楽曲（ボディは保護済み楽曲ファイル）
		r.Route("/songs", func(r chi.Router) {
			r.Post("/query", h.QuerySong)
			r.Post("/play", h.Play)
			r.Post("/export", h.Export)
			r.Post("/share", h.Share)
		})

		// 再生制御
		r.Get("/playback", h.Playback)
		r.Post("/playback/{action}", h.Control)
	})

	return r
}
