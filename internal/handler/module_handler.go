package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/middleware"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/protect"
)

// ModuleClient はブリッジが必要とするモジュール操作。host.Clientが実装する。
type ModuleClient interface {
	Login(ctx context.Context, name string, pin []byte) (model.UserID, error)
	Logout(ctx context.Context) error
	Query(ctx context.Context) (channel.QueryResult, error)
	QuerySong(ctx context.Context, header []byte) (channel.QuerySongResult, error)
	Play(ctx context.Context, header, data []byte) (channel.Status, error)
	Control(ctx context.Context, op channel.Op) (channel.Status, error)
	ExportWAV(ctx context.Context, header, data []byte) ([]byte, error)
	Share(ctx context.Context, target string, header []byte) ([]byte, error)
	Status() channel.Status
}

// ModuleHandlerConfig はブリッジの設定。
type ModuleHandlerConfig struct {
	// CommandTimeout はモジュールの応答を待つ上限。
	CommandTimeout time.Duration
	// MaxSongSize は受け付ける楽曲ファイルの上限バイト数。
	MaxSongSize int64
}

// ModuleHandler はHTTPリクエストを共有チャネルのコマンドに変換するハンドラー。
type ModuleHandler struct {
	client ModuleClient
	config ModuleHandlerConfig
	logger *slog.Logger
}

// NewModuleHandler はModuleHandlerを生成する。
func NewModuleHandler(client ModuleClient, config ModuleHandlerConfig, logger *slog.Logger) *ModuleHandler {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 30 * time.Second
	}
	return &ModuleHandler{client: client, config: config, logger: logger}
}

type loginRequest struct {
	Name string `json:"name"`
	PIN  string `json:"pin"`
}

type loginResponse struct {
	UID int32 `json:"uid"`
}

type deviceResponse struct {
	Regions []string `json:"regions"`
	Users   []string `json:"users"`
}

type songInfoResponse struct {
	Regions []string `json:"regions"`
	Owner   string   `json:"owner"`
	Shared  []string `json:"shared"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (h *ModuleHandler) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.config.CommandTimeout)
}

// Login はユーザー名とPINでログインする。
// POST /v1/session/login
func (h *ModuleHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError("invalid JSON body"))
		return
	}
	if req.Name == "" || len(req.Name) > model.NameSize {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError("name must be 1 to 16 bytes"))
		return
	}
	if len(req.PIN) > model.PINSize {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError("pin is too long"))
		return
	}

	ctx, cancel := h.commandContext(r)
	defer cancel()
	pin := []byte(req.PIN)
	uid, err := h.client.Login(ctx, req.Name, pin)
	clear(pin)
	if err != nil {
		h.handleModuleError(w, r, channel.OpLogin, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{UID: int32(uid)})
}

// Logout はログアウトする。
// POST /v1/session/logout
func (h *ModuleHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.commandContext(r)
	defer cancel()
	if err := h.client.Logout(ctx); err != nil {
		h.handleModuleError(w, r, channel.OpLogout, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Device は登録済み地域とユーザーの一覧を返す。
// GET /v1/device
func (h *ModuleHandler) Device(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.commandContext(r)
	defer cancel()
	res, err := h.client.Query(ctx)
	if err != nil {
		h.handleModuleError(w, r, channel.OpQuery, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		Regions: nonNil(res.Regions),
		Users:   names(res.Users),
	})
}

// QuerySong は楽曲ファイルの地域、所有者、共有ユーザーを返す。
// POST /v1/songs/query （ボディは保護済み楽曲ファイル）
func (h *ModuleHandler) QuerySong(w http.ResponseWriter, r *http.Request) {
	header, _, ok := h.readSong(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.commandContext(r)
	defer cancel()
	res, err := h.client.QuerySong(ctx, header)
	if err != nil {
		h.handleModuleError(w, r, channel.OpQuerySong, err)
		return
	}
	writeJSON(w, http.StatusOK, songInfoResponse{
		Regions: nonNil(res.Regions),
		Owner:   res.Owner.String(),
		Shared:  names(res.Shared),
	})
}

// Play は再生を開始する。再生はバックグラウンドで続き、状態は/v1/playbackで確認する。
// POST /v1/songs/play
func (h *ModuleHandler) Play(w http.ResponseWriter, r *http.Request) {
	header, data, ok := h.readSong(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.commandContext(r)
	defer cancel()
	status, err := h.client.Play(ctx, header, data)
	if err != nil {
		h.handleModuleError(w, r, channel.OpPlay, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: status.String()})
}

// Export は楽曲を復号してWAVファイルとして返す。
// POST /v1/songs/export
func (h *ModuleHandler) Export(w http.ResponseWriter, r *http.Request) {
	header, data, ok := h.readSong(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.commandContext(r)
	defer cancel()
	wav, err := h.client.ExportWAV(ctx, header, data)
	if err != nil {
		h.handleModuleError(w, r, channel.OpDigital, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	w.Write(wav)
}

// Share はクエリのuserを共有ユーザーに追加した楽曲ファイルを返す。
// POST /v1/songs/share?user={name}
func (h *ModuleHandler) Share(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("user")
	if target == "" || len(target) > model.NameSize {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError("user must be 1 to 16 bytes"))
		return
	}
	header, data, ok := h.readSong(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.commandContext(r)
	defer cancel()
	shared, err := h.client.Share(ctx, target, header)
	if err != nil {
		h.handleModuleError(w, r, channel.OpShare, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	(&protect.Song{Header: shared, Data: data}).WriteTo(w)
}

// Control は再生中の楽曲に制御コマンドを送る。
// POST /v1/playback/{action}
func (h *ModuleHandler) Control(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	op, ok := channel.ParseControl(action)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBadRequestError("unknown playback action "+action))
		return
	}
	ctx, cancel := h.commandContext(r)
	defer cancel()
	status, err := h.client.Control(ctx, op)
	if err != nil {
		h.handleModuleError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status.String()})
}

// Playback は現在のstatusを返す。
// GET /v1/playback
func (h *ModuleHandler) Playback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: h.client.Status().String()})
}

// readSong はボディの楽曲ファイルをヘッダーとセグメント列に分ける。
// 失敗した場合はエラーレスポンスを書き込んでfalseを返す。
func (h *ModuleHandler) readSong(w http.ResponseWriter, r *http.Request) ([]byte, []byte, bool) {
	body := r.Body
	if h.config.MaxSongSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.config.MaxSongSize)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewBadRequestError("song file is too large"))
		return nil, nil, false
	}
	header, data, err := protect.Split(buf.Bytes())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError(err.Error()))
		return nil, nil, false
	}
	return header, data, true
}

func names(in []model.Name) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		out = append(out, n.String())
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
