// Package host はホスト側から共有コマンドチャネルを操作するクライアントを提供する。
//
// 手順はどの操作でも同じ: ペイロードを書き込み、statusをNONEに戻して操作コードを設定し、
// 通知を鳴らしてからstatusが確定するまでポーリングする。
//
// 再生中はモジュールが共有バッファの楽曲データを読み続けるため、
// ペイロードを伴うコマンドは書き込む前に拒否する。
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/song"
)

// DefaultPollInterval はstatusをポーリングする間隔の既定値。
const DefaultPollInterval = 10 * time.Millisecond

// ErrCommandFailed はモジュールがstatus = FAILEDで応答したことを表す。
var ErrCommandFailed = errors.New("command failed")

// Client は共有バッファとドアベルを介してモジュールにコマンドを送る。
// 同時に送れるコマンドは1つだけ。
type Client struct {
	mu     sync.Mutex
	buf    *channel.Buffer
	bell   *channel.Doorbell
	poll   time.Duration
	logger *slog.Logger
	// seq はコマンド送信中に奇数になる。WaitDoneが送信中の一時的な応答を終了と誤認しないために使う。
	seq atomic.Uint64
}

// NewClient はClientを生成する。pollが0以下の場合は既定値を使う。
func NewClient(buf *channel.Buffer, bell *channel.Doorbell, poll time.Duration, logger *slog.Logger) *Client {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Client{buf: buf, bell: bell, poll: poll, logger: logger}
}

// Status は現在のstatusを返す。
func (c *Client) Status() channel.Status {
	return c.buf.Status()
}

// send はopを送り、statusが確定するまで待つ。FAILEDの場合はErrCommandFailedを返す。
// prepareはロックを保持したままペイロードの書き込みに使う。
//
// 再生中（PLAYINGまたはPAUSED）にprepareを伴うコマンドは送らずに失敗とする。
// 再生中に送った制御コマンドが拒否された場合は、FAILEDを読み取った後で元の再生状態に戻す。
func (c *Client) send(ctx context.Context, op channel.Op, prepare func() error) (channel.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq.Add(1)
	defer c.seq.Add(1)

	requestID := uuid.NewString()
	prev := c.buf.Status()
	if prepare != nil {
		if prev.Playback() {
			c.logger.Warn("再生中のためコマンドを送信しません",
				slog.String("request_id", requestID),
				slog.String("operation", op.String()),
				slog.String("status", prev.String()),
			)
			return prev, fmt.Errorf("%s while %s: %w", op, prev, ErrCommandFailed)
		}
		if err := prepare(); err != nil {
			return channel.StatusNone, err
		}
	}

	// モジュールが直前に書き込んだstatusを取りこぼさないよう、読んだ値と一致する場合のみ消す
	for !c.buf.CompareAndSwapStatus(prev, channel.StatusNone) {
		prev = c.buf.Status()
	}
	c.buf.SetOperation(op)
	c.bell.Ring()

	status, err := c.waitSettled(ctx)
	if err != nil {
		return status, err
	}
	c.logger.Debug("コマンドの応答を受信しました",
		slog.String("request_id", requestID),
		slog.String("operation", op.String()),
		slog.String("status", status.String()),
	)
	if status == channel.StatusFailed {
		if prev.Playback() {
			// 再生は続いている。モジュールが終了を書き込んでいればそのまま残る
			c.buf.CompareAndSwapStatus(channel.StatusFailed, prev)
		}
		return status, fmt.Errorf("%s: %w", op, ErrCommandFailed)
	}
	return status, nil
}

func (c *Client) waitSettled(ctx context.Context) (channel.Status, error) {
	return c.waitFor(ctx, channel.Status.Settled)
}

func (c *Client) waitFor(ctx context.Context, done func(channel.Status) bool) (channel.Status, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		if s := c.buf.Status(); done(s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return c.buf.Status(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Login はユーザー名とPINでログインし、割り当てられたユーザーIDを返す。
func (c *Client) Login(ctx context.Context, name string, pin []byte) (model.UserID, error) {
	if _, err := c.send(ctx, channel.OpLogin, func() error {
		return c.buf.PutLogin(model.NewName(name), pin)
	}); err != nil {
		return model.NoUser, err
	}
	uid, ok := c.buf.LoginResult()
	if !ok {
		return model.NoUser, fmt.Errorf("login: module did not report a session: %w", ErrCommandFailed)
	}
	return uid, nil
}

// Logout はログアウトする。
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.send(ctx, channel.OpLogout, nil)
	return err
}

// Query は登録済み地域名とユーザー名を取得する。
func (c *Client) Query(ctx context.Context) (channel.QueryResult, error) {
	if _, err := c.send(ctx, channel.OpQuery, nil); err != nil {
		return channel.QueryResult{}, err
	}
	return c.buf.ReadQueryResult(), nil
}

// QuerySong は楽曲の地域、所有者、共有ユーザーを取得する。
func (c *Client) QuerySong(ctx context.Context, header []byte) (channel.QuerySongResult, error) {
	if _, err := c.send(ctx, channel.OpQuerySong, func() error {
		return c.buf.PutSong(header, nil)
	}); err != nil {
		return channel.QuerySongResult{}, err
	}
	return c.buf.ReadQuerySongResult(), nil
}

// Play は再生を開始し、モジュールが応答した時点のstatusを返す（通常はPLAYING）。
// 再生の終了はWaitDoneで待つ。
func (c *Client) Play(ctx context.Context, header, data []byte) (channel.Status, error) {
	return c.send(ctx, channel.OpPlay, func() error {
		return c.buf.PutSong(header, data)
	})
}

// Control は再生中の制御コマンドを送る。
func (c *Client) Control(ctx context.Context, op channel.Op) (channel.Status, error) {
	if !op.IsPlaybackControl() {
		return channel.StatusNone, fmt.Errorf("%s is not a playback control", op)
	}
	return c.send(ctx, op, nil)
}

// WaitDone は再生が終了してstatusがSUCCESSまたはFAILEDになるまで待つ。
// 制御コマンドの送信中に見えるFAILEDは拒否応答なので終了とみなさない。
func (c *Client) WaitDone(ctx context.Context) (channel.Status, error) {
	return c.waitFor(ctx, func(s channel.Status) bool {
		switch s {
		case channel.StatusSuccess:
			return true
		case channel.StatusFailed:
			before := c.seq.Load()
			if before%2 == 1 {
				return false
			}
			// 読み取り中に送信が始まっていないことを確かめる
			return c.buf.Status() == channel.StatusFailed && c.seq.Load() == before
		}
		return false
	})
}

// Export は楽曲を復号させ、PCMを取り出す。
func (c *Client) Export(ctx context.Context, header, data []byte) ([]byte, error) {
	if _, err := c.send(ctx, channel.OpDigital, func() error {
		return c.buf.PutSong(header, data)
	}); err != nil {
		return nil, err
	}
	return c.buf.ReadSongData(int(c.buf.WavSize()))
}

// ExportWAV はExportの結果を楽曲ヘッダーのWAV形式で包んで返す。
func (c *Client) ExportWAV(ctx context.Context, header, data []byte) ([]byte, error) {
	h, err := song.DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	pcm, err := c.Export(ctx, header, data)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(h.Wav.WithDataSize(uint32(len(pcm))).Encode())
	out.Write(pcm)
	return out.Bytes(), nil
}

// Share はtargetを共有ユーザーに追加した新しいヘッダーを返す。
func (c *Client) Share(ctx context.Context, target string, header []byte) ([]byte, error) {
	if _, err := c.send(ctx, channel.OpShare, func() error {
		return c.buf.PutShare(model.NewName(target), header)
	}); err != nil {
		return nil, err
	}
	return c.buf.ShareHeader(), nil
}
