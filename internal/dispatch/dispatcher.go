// Package dispatch はホストからのコマンドを1つずつ処理するディスパッチャを提供する。
// 共有バッファの所有権はstatusフィールドで受け渡し、処理は常に単一のゴルーチンで行う。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/audiodrm/internal/auth"
	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/player"
	"github.com/hitoshi/audiodrm/internal/session"
	"github.com/hitoshi/audiodrm/internal/share"
	"github.com/hitoshi/audiodrm/internal/verify"
)

// DirectoryStore はQUERYで返す地域とユーザーの一覧。
type DirectoryStore interface {
	ProvisionedRegions() []model.Region
	Users() []model.User
}

// Dispatcher はコマンドの受付判定、処理の振り分け、status応答を行う。
type Dispatcher struct {
	buf       *channel.Buffer
	bell      *channel.Doorbell
	sess      *session.Session
	auth      *auth.Service
	validator *verify.Validator
	player    *player.Player
	share     *share.Service
	directory DirectoryStore
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
}

// NewDispatcher はDispatcherを生成する。セッションは起動時に1つだけ作る。
func NewDispatcher(
	buf *channel.Buffer,
	bell *channel.Doorbell,
	authSvc *auth.Service,
	validator *verify.Validator,
	p *player.Player,
	shareSvc *share.Service,
	directory DirectoryStore,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Dispatcher {
	return &Dispatcher{
		buf:       buf,
		bell:      bell,
		sess:      session.New(),
		auth:      authSvc,
		validator: validator,
		player:    p,
		share:     shareSvc,
		directory: directory,
		logger:    logger,
		metrics:   mc,
	}
}

// Start は通知を待ってコマンドを処理するループを実行する。
// コンテキストがキャンセルされるまで戻らない。
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("コマンドの待ち受けを開始しました", slog.Int("channel_size", d.buf.Size()))
	for {
		if err := d.bell.Wait(ctx); err != nil {
			d.logger.Info("コマンドの待ち受けを停止しました")
			return
		}
		d.RunOnce(ctx)
	}
}

// RunOnce は共有バッファのコマンドを1つ処理し、statusに結果を書き込む。
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	start := time.Now()
	op := d.buf.Operation()
	d.buf.SetStatus(channel.StatusWorking)

	err := d.handle(ctx, op)

	status := channel.StatusSuccess
	if err != nil {
		status = channel.StatusFailed
		attrs := []any{slog.String("operation", op.String()), slog.String("error", err.Error())}
		if de := model.AsDRMError(err); de != nil {
			attrs = append(attrs, slog.String("code", de.Code), slog.String("category", de.Category))
		}
		d.logger.Warn("コマンドが失敗しました", attrs...)
	}
	d.buf.SetStatus(status)
	d.metrics.RecordCommand(op.String(), status.String(), time.Since(start))
	return err
}

// Admit は現在のセッション状態でopを受け付けられるかを判定する。
//
//	LOGIN                    : 未ログイン
//	LOGOUT, SHARE            : ログイン中かつ再生していない
//	QUERY, QUERY_SONG        : 再生していない
//	PLAY, DIGITAL            : 再生していない（未ログインでもプレビュー再生）
//	PAUSE .. REWIND          : 再生中または一時停止中
func Admit(op channel.Op, sess *session.Session) error {
	_, loggedIn := sess.User()
	idle := sess.MusicOp == session.MusicIdle

	var ok bool
	switch {
	case op.IsPlaybackControl():
		ok = sess.MusicOp.Active()
	case op == channel.OpLogin:
		ok = !loggedIn
	case op == channel.OpLogout, op == channel.OpShare:
		ok = loggedIn && idle
	case op == channel.OpQuery, op == channel.OpQuerySong, op == channel.OpPlay, op == channel.OpDigital:
		ok = idle
	default:
		return fmt.Errorf("unknown operation code %d", uint32(op))
	}
	if !ok {
		return model.NewInvalidStateError(op.String())
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, op channel.Op) error {
	if op == channel.OpLogin {
		defer d.buf.ClearPIN()
	}
	if err := Admit(op, d.sess); err != nil {
		return err
	}
	d.sess.CurrentOperation = op

	cmd, err := channel.Decode(d.buf)
	if err != nil {
		return err
	}

	switch c := cmd.(type) {
	case *channel.LoginCommand:
		return d.login(c)
	case channel.LogoutCommand:
		return d.logout()
	case channel.QueryCommand:
		d.query()
		return nil
	case *channel.SongCommand:
		return d.song(ctx, c)
	case *channel.ShareCommand:
		return d.shareSong(c)
	}
	// 制御コマンドは再生ループの中でのみ処理する
	return model.NewInvalidStateError(op.String())
}

func (d *Dispatcher) login(c *channel.LoginCommand) error {
	defer c.Wipe()
	uid, err := d.auth.Login(d.sess, c.Name, c.PIN[:])
	if err != nil {
		return err
	}
	d.buf.WriteLoginResult(uid, true)
	return nil
}

func (d *Dispatcher) logout() error {
	if !d.auth.Logout(d.sess) {
		return model.NewInvalidStateError(channel.OpLogout.String())
	}
	d.buf.ClearLogin()
	return nil
}

// query は登録済み地域名と全ユーザー名を書き戻す。
func (d *Dispatcher) query() {
	var res channel.QueryResult
	for _, r := range d.directory.ProvisionedRegions() {
		res.Regions = append(res.Regions, r.Name)
	}
	for _, u := range d.directory.Users() {
		res.Users = append(res.Users, u.Name)
	}
	d.buf.WriteQueryResult(res)
}

func (d *Dispatcher) song(ctx context.Context, c *channel.SongCommand) error {
	switch c.Op() {
	case channel.OpQuerySong:
		info, err := d.validator.Inspect(c.Header[:])
		if err != nil {
			return err
		}
		d.buf.WriteQuerySongResult(channel.QuerySongResult{
			Regions: info.Regions,
			Owner:   info.Owner,
			Shared:  info.Shared,
		})
		return nil

	case channel.OpPlay:
		_, err := d.player.Play(ctx, d.sess, c.Header[:], d.buf.SongData(), &busControls{d: d})
		return err

	case channel.OpDigital:
		d.buf.WriteWavSize(0)
		res, err := d.player.Export(ctx, d.sess, c.Header[:], d.buf.SongData(), d.buf.SongDataWriter())
		if err != nil {
			return err
		}
		d.buf.WriteWavSize(uint32(res.Offset))
		return nil
	}
	return errors.New("unexpected song operation")
}

func (d *Dispatcher) shareSong(c *channel.ShareCommand) error {
	out, err := d.share.Share(d.sess, c.Header[:], c.Target)
	if err != nil {
		return err
	}
	return d.buf.WriteShareHeader(out)
}

// busControls は再生ループに共有バッファと通知フラグを制御コマンドの入力源として渡す。
type busControls struct {
	d *Dispatcher
}

func (b *busControls) Pending() (channel.Op, bool) {
	if !b.d.bell.Pending() {
		return 0, false
	}
	return b.accept(), true
}

func (b *busControls) Wait(ctx context.Context) (channel.Op, error) {
	if err := b.d.bell.Wait(ctx); err != nil {
		return 0, err
	}
	return b.accept(), nil
}

// accept は再生中に届いたコマンドを読み取る。受付判定はプレイヤーが行う。
// 再生中のLOGINは必ず拒否されるので、ここでPINを消去する。
func (b *busControls) accept() channel.Op {
	op := b.d.buf.Operation()
	if op == channel.OpLogin {
		b.d.buf.ClearPIN()
	}
	b.d.buf.SetStatus(channel.StatusWorking)
	b.d.metrics.RecordCommand(op.String(), "received", 0)
	b.d.logger.Debug("再生中にコマンドを受信しました", slog.String("operation", op.String()))
	return op
}

func (b *busControls) Report(s channel.Status) {
	b.d.buf.SetStatus(s)
}

// compile-time interface check
var _ player.Controls = (*busControls)(nil)
