package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/host"
	"github.com/hitoshi/audiodrm/internal/middleware"
	"github.com/hitoshi/audiodrm/internal/model"
)

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleModuleError はモジュール操作のエラーをHTTPステータスコードに変換する。
//
//	status = FAILED         → 409 Conflict
//	応答待ちのタイムアウト  → 504 Gateway Timeout
//	それ以外                → 500
func (h *ModuleHandler) handleModuleError(w http.ResponseWriter, r *http.Request, op channel.Op, err error) {
	attrs := []any{
		slog.String("operation", op.String()),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	}

	switch {
	case errors.Is(err, host.ErrCommandFailed):
		h.logger.Warn("モジュールがコマンドを拒否しました", attrs...)
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewCommandFailedError(op.String()))
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Error("モジュールが応答しません", attrs...)
		middleware.WriteErrorResponse(w, http.StatusGatewayTimeout, model.NewTimeoutError(op.String()))
	default:
		h.logger.Error("internal server error", attrs...)
		middleware.WriteInternalServerError(w)
	}
}
