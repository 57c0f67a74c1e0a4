// Package player は楽曲の再生状態機械とDIGITALエクスポートを実装する。
//
// 再生はセグメント単位で進み、制御コマンドはセグメント境界でのみ取り込む。
// 終了時は成功・失敗を問わずセッションの楽曲状態を消去する。
package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/audiodrm/internal/accel"
	"github.com/hitoshi/audiodrm/internal/audio"
	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/policy"
	"github.com/hitoshi/audiodrm/internal/session"
	"github.com/hitoshi/audiodrm/internal/song"
	"github.com/hitoshi/audiodrm/internal/verify"
)

// DefaultSeekSeconds は早送り・巻き戻しの秒数の既定値。
const DefaultSeekSeconds = 5

// Controls は再生中の制御コマンドの入力源とホストへの状態通知。
type Controls interface {
	// Pending はホストが通知済みのコマンドを返す。通知がなければfalse。
	Pending() (channel.Op, bool)
	// Wait は次のコマンドが通知されるまでブロックする。
	Wait(ctx context.Context) (channel.Op, error)
	// Report はホストに見える状態を更新する。
	Report(status channel.Status)
}

// StopReason は再生が終了した理由。
type StopReason string

const (
	StopEnd       StopReason = "end"       // 全セグメントを再生した
	StopBudget    StopReason = "budget"    // 再生予算を使い切った
	StopCommand   StopReason = "stop"      // STOPまたは末尾を超える早送り
	StopTruncated StopReason = "truncated" // 2番目以降のセグメントの検証に失敗した
)

// Result は再生・エクスポートの結果。
type Result struct {
	Outcome verify.Outcome
	// Offset は楽曲先頭からの再生位置（生PCMバイト数）。エクスポートでは書き出したバイト数。
	Offset   uint64
	Budget   uint64
	Segments int
	Reason   StopReason
}

// Config はプレイヤーの設定。
type Config struct {
	SeekSeconds int
}

// Player は楽曲の検証から出力までを行う。
type Player struct {
	validator *verify.Validator
	loader    *verify.SegmentLoader
	accel     accel.Accelerator
	output    audio.Output
	config    Config
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
}

// NewPlayer はPlayerを生成する。
func NewPlayer(
	validator *verify.Validator,
	loader *verify.SegmentLoader,
	acc accel.Accelerator,
	output audio.Output,
	config Config,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Player {
	if config.SeekSeconds <= 0 {
		config.SeekSeconds = DefaultSeekSeconds
	}
	return &Player{
		validator: validator,
		loader:    loader,
		accel:     acc,
		output:    output,
		config:    config,
		logger:    logger,
		metrics:   mc,
	}
}

// segmentPos は再生済みセグメントの位置。巻き戻しに使う。
type segmentPos struct {
	off    int64
	size   uint32
	offset uint64 // このセグメント開始時点の再生位置
}

// playback は1回の再生操作の状態。
type playback struct {
	header  []byte
	data    io.ReaderAt
	out     io.Writer
	budget  uint64
	outcome verify.Outcome

	idx       uint32
	off       int64
	size      uint32
	offset    uint64
	positions []segmentPos
}

// action は制御コマンド処理後の再生ループの動作。
type action int

const (
	actContinue action = iota
	actStop
	actRestart
	actSeek
)

// Play はheaderを検証し、dataのセグメントを順に復号して出力する。
//
// 戻り値のerrorがnilでない場合は失敗（status = Failed）を意味する。
// 先頭セグメントの検証失敗は失敗、2番目以降の失敗はファイル終端と同様に正常終了とする。
func (p *Player) Play(ctx context.Context, sess *session.Session, header []byte, data io.ReaderAt, controls Controls) (Result, error) {
	sess.MusicOp = session.MusicLoading
	defer p.finish(sess)

	pb := &playback{header: header, data: data}
	if err := p.load(sess, pb, policy.ModePlay); err != nil {
		return Result{Outcome: pb.outcome}, err
	}

	stream, err := p.output.Open(audio.FormatOf(sess.Song.Wav))
	if err != nil {
		return Result{Outcome: pb.outcome}, fmt.Errorf("failed to open audio output: %w", err)
	}
	defer stream.Close()
	pb.out = stream

	p.logger.Info("再生を開始します",
		slog.String("song_id", sess.Song.SongID.String()),
		slog.String("outcome", pb.outcome.String()),
		slog.Uint64("budget", pb.budget),
	)

	sess.MusicOp = session.MusicPlaying
	controls.Report(channel.StatusPlaying)

	reason, err := p.loop(ctx, sess, pb, controls)
	res := Result{
		Outcome:  pb.outcome,
		Offset:   pb.offset,
		Budget:   pb.budget,
		Segments: len(pb.positions),
		Reason:   reason,
	}
	if err != nil {
		return res, err
	}
	p.logger.Info("再生を終了しました",
		slog.String("reason", string(reason)),
		slog.Uint64("offset", pb.offset),
	)
	return res, nil
}

// load はヘッダーを検証して再生予算を求め、先頭セグメントの位置を設定する。
func (p *Player) load(sess *session.Session, pb *playback, mode policy.Mode) error {
	pb.outcome = p.validator.LoadHeader(sess, pb.header)
	if !sess.SongLoaded() {
		return model.NewBadSignatureError("ヘッダー")
	}
	budget, err := policy.Budget(pb.outcome, sess.Song, mode)
	if err != nil {
		return err
	}
	pb.budget = min(budget, sess.Song.DeclaredLength())
	pb.rewind()
	pb.size = sess.Song.FirstSegmentSize
	return nil
}

func (pb *playback) rewind() {
	pb.idx = 0
	pb.off = 0
	pb.offset = 0
	pb.positions = pb.positions[:0]
}

func (p *Player) loop(ctx context.Context, sess *session.Session, pb *playback, controls Controls) (StopReason, error) {
	for pb.idx < sess.Song.SegmentCount {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if op, ok := controls.Pending(); ok {
			act, n, err := p.control(ctx, sess, op, controls)
			if err != nil {
				return "", err
			}
			switch act {
			case actStop:
				return StopCommand, nil
			case actRestart:
				if err := p.load(sess, pb, policy.ModePlay); err != nil {
					return "", err
				}
				continue
			case actSeek:
				stop, reason, err := p.seek(sess, pb, n)
				if stop || err != nil {
					return reason, err
				}
				continue
			}
		}

		seg, err := p.loader.Load(sess, pb.data, pb.off, pb.size, pb.idx)
		if err != nil {
			return p.segmentFailure(pb, err)
		}
		if _, err := accel.DecryptSegment(p.accel, seg.Payload); err != nil {
			p.loader.Wipe()
			return "", err
		}

		n := uint64(len(seg.Payload))
		emit := min(n, pb.budget-pb.offset)
		if _, err := pb.out.Write(seg.Payload[:emit]); err != nil {
			p.loader.Wipe()
			return "", fmt.Errorf("failed to write audio: %w", err)
		}
		p.metrics.RecordSegmentPlayed(int(emit))

		pb.advance(seg.Trailer.NextSegmentSize, n)
		if pb.offset >= pb.budget {
			pb.offset = pb.budget
			return StopBudget, nil
		}
	}
	return StopEnd, nil
}

// advance は現在のセグメントを再生済みとして記録し、次のセグメントへ進む。
func (pb *playback) advance(next uint32, n uint64) {
	pb.positions = append(pb.positions[:pb.idx], segmentPos{off: pb.off, size: pb.size, offset: pb.offset})
	pb.off += int64(pb.size)
	pb.size = next
	pb.offset += n
	pb.idx++
}

func (p *Player) segmentFailure(pb *playback, err error) (StopReason, error) {
	if pb.idx == 0 {
		return "", fmt.Errorf("first segment rejected: %w", err)
	}
	p.logger.Warn("セグメントの検証に失敗したため再生を終了します",
		slog.Uint64("index", uint64(pb.idx)),
		slog.String("error", err.Error()),
	)
	return StopTruncated, nil
}

// control は再生中に通知されたコマンドを処理する。
// 一時停止中はRESUMEかSTOPが届くまでブロックする。
func (p *Player) control(ctx context.Context, sess *session.Session, op channel.Op, controls Controls) (action, int, error) {
	switch op {
	case channel.OpPause:
		sess.CurrentOperation = op
		sess.MusicOp = session.MusicPaused
		controls.Report(channel.StatusPaused)
		return p.paused(ctx, sess, controls)
	case channel.OpStop:
		sess.CurrentOperation = op
		sess.MusicOp = session.MusicStopped
		return actStop, 0, nil
	case channel.OpRestart:
		sess.CurrentOperation = op
		controls.Report(channel.StatusPlaying)
		return actRestart, 0, nil
	case channel.OpForward:
		sess.CurrentOperation = op
		controls.Report(channel.StatusPlaying)
		return actSeek, p.seekSegments(sess), nil
	case channel.OpRewind:
		sess.CurrentOperation = op
		controls.Report(channel.StatusPlaying)
		return actSeek, -p.seekSegments(sess), nil
	}
	p.reject(op, sess, controls)
	return actContinue, 0, nil
}

func (p *Player) paused(ctx context.Context, sess *session.Session, controls Controls) (action, int, error) {
	for {
		op, err := controls.Wait(ctx)
		if err != nil {
			return actStop, 0, err
		}
		switch op {
		case channel.OpResume:
			sess.CurrentOperation = op
			sess.MusicOp = session.MusicPlaying
			controls.Report(channel.StatusPlaying)
			return actContinue, 0, nil
		case channel.OpStop:
			sess.CurrentOperation = op
			sess.MusicOp = session.MusicStopped
			return actStop, 0, nil
		}
		p.reject(op, sess, controls)
	}
}

// reject は現在の再生状態で受け付けないコマンドを失敗として応答する。再生状態は変えない。
func (p *Player) reject(op channel.Op, sess *session.Session, controls Controls) {
	p.logger.Warn("再生中に受け付けられないコマンドです",
		slog.String("operation", op.String()),
		slog.String("music_op", sess.MusicOp.String()),
	)
	controls.Report(channel.StatusFailed)
}

// seekSegments はSeekSeconds秒に相当するセグメント数を返す（切り捨て）。
func (p *Player) seekSegments(sess *session.Session) int {
	first := sess.Song.FirstSegmentSize
	if first <= song.TrailerSize {
		return 0
	}
	raw := uint64(first - song.TrailerSize)
	return int(uint64(p.config.SeekSeconds) * sess.Song.BytesPerSecond() / raw)
}

// seek はn個のセグメント分だけ再生位置を動かす。
// 先頭より前への巻き戻しは最初から、末尾を超える早送りは停止として扱う。
// 早送りで飛ばすセグメントも検証する。
func (p *Player) seek(sess *session.Session, pb *playback, n int) (bool, StopReason, error) {
	target := int64(pb.idx) + int64(n)
	switch {
	case n == 0:
		return false, "", nil
	case target < 0:
		if err := p.load(sess, pb, policy.ModePlay); err != nil {
			return true, "", err
		}
		return false, "", nil
	case target >= int64(sess.Song.SegmentCount):
		return true, StopCommand, nil
	case n < 0:
		pos := pb.positions[target]
		pb.idx = uint32(target)
		pb.off = pos.off
		pb.size = pos.size
		pb.offset = pos.offset
		return false, "", nil
	}

	for int64(pb.idx) < target {
		seg, err := p.loader.Load(sess, pb.data, pb.off, pb.size, pb.idx)
		if err != nil {
			reason, err := p.segmentFailure(pb, err)
			return true, reason, err
		}
		pb.advance(seg.Trailer.NextSegmentSize, uint64(len(seg.Payload)))
		if pb.offset >= pb.budget {
			pb.offset = pb.budget
			return true, StopBudget, nil
		}
	}
	return false, "", nil
}

// Export はheaderを検証し、全セグメントを復号してdstへ書き出す。
// srcとdstは同じ共有領域でもよい（書き込み位置は常に読み込み位置より手前）。
// いずれかのセグメントで失敗した場合は書き出したバイトを消去する。
func (p *Player) Export(ctx context.Context, sess *session.Session, header []byte, src io.ReaderAt, dst io.WriterAt) (Result, error) {
	sess.MusicOp = session.MusicLoading
	defer p.finish(sess)

	pb := &playback{header: header, data: src}
	if err := p.load(sess, pb, policy.ModeExport); err != nil {
		return Result{Outcome: pb.outcome}, err
	}

	res := Result{Outcome: pb.outcome, Budget: pb.budget, Reason: StopEnd}
	var written uint64
	fail := func(err error) (Result, error) {
		p.loader.Wipe()
		scrub(dst, written)
		res.Offset = 0
		return res, err
	}

	for pb.idx < sess.Song.SegmentCount {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		seg, err := p.loader.Load(sess, src, pb.off, pb.size, pb.idx)
		if err != nil {
			return fail(fmt.Errorf("segment %d: %w", pb.idx, err))
		}
		if _, err := accel.DecryptSegment(p.accel, seg.Payload); err != nil {
			return fail(err)
		}

		emit := min(uint64(len(seg.Payload)), pb.budget-written)
		if _, err := dst.WriteAt(seg.Payload[:emit], int64(written)); err != nil {
			return fail(fmt.Errorf("failed to write exported audio: %w", err))
		}
		written += emit
		res.Segments++

		pb.advance(seg.Trailer.NextSegmentSize, uint64(len(seg.Payload)))
		if written >= pb.budget {
			res.Reason = StopBudget
			break
		}
	}

	res.Offset = written
	p.logger.Info("楽曲をエクスポートしました",
		slog.String("outcome", pb.outcome.String()),
		slog.Uint64("bytes", written),
	)
	return res, nil
}

// scrub はdstの先頭nバイトを0で上書きする。
func scrub(dst io.WriterAt, n uint64) {
	var zero [4096]byte
	for off := uint64(0); off < n; off += uint64(len(zero)) {
		chunk := min(uint64(len(zero)), n-off)
		dst.WriteAt(zero[:chunk], int64(off))
	}
}

// finish は終了状態の後始末。失敗経路でも必ず呼ぶ。
func (p *Player) finish(sess *session.Session) {
	p.loader.Wipe()
	sess.UnloadSong()
	sess.MusicOp = session.MusicIdle
}
