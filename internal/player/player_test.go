package player

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hitoshi/audiodrm/internal/accel"
	"github.com/hitoshi/audiodrm/internal/audio"
	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/protect"
	"github.com/hitoshi/audiodrm/internal/protect/protecttest"
	"github.com/hitoshi/audiodrm/internal/provision"
	"github.com/hitoshi/audiodrm/internal/session"
	"github.com/hitoshi/audiodrm/internal/verify"
)

// --- モック定義 ---

// scriptControls はPendingの呼び出し回数（1始まり）ごとにコマンドを返す。
type scriptControls struct {
	at      map[int]channel.Op
	calls   int
	waits   []channel.Op
	reports []channel.Status
}

func (c *scriptControls) Pending() (channel.Op, bool) {
	c.calls++
	op, ok := c.at[c.calls]
	return op, ok
}

func (c *scriptControls) Wait(ctx context.Context) (channel.Op, error) {
	if len(c.waits) == 0 {
		return 0, context.Canceled
	}
	op := c.waits[0]
	c.waits = c.waits[1:]
	return op, nil
}

func (c *scriptControls) Report(s channel.Status) {
	c.reports = append(c.reports, s)
}

var _ Controls = (*scriptControls)(nil)

type countingAccel struct {
	accel.Accelerator
	blocks int
}

func (c *countingAccel) DecryptBlock(dst, src []byte) {
	c.blocks++
	c.Accelerator.DecryptBlock(dst, src)
}

// memAt は同じスライスに対するReaderAt/WriterAt。共有メモリ上のその場書き換えを再現する。
type memAt []byte

func (m memAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m memAt) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m)) {
		return 0, errors.New("write out of range")
	}
	return copy(m[off:], p), nil
}

type fixture struct {
	store  *provision.Store
	player *Player
	out    *audio.Memory
	accel  *countingAccel
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := protecttest.NewStore(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	aes, err := accel.NewAES(st.SongKey())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: st, out: &audio.Memory{}, accel: &countingAccel{Accelerator: aes}}
	f.player = NewPlayer(
		verify.NewValidator(st, nil, logger, metrics.Nop{}),
		verify.NewSegmentLoader(st, nil, logger, metrics.Nop{}),
		f.accel,
		f.out,
		cfg,
		logger,
		metrics.Nop{},
	)
	return f
}

func aliceSession() *session.Session {
	s := session.New()
	s.Login(0)
	return s
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func assertFinished(t *testing.T, sess *session.Session) {
	t.Helper()
	if sess.SongLoaded() || sess.OwnCurrentSong || sess.SharedCurrentSong {
		t.Error("song state survived the operation")
	}
	if sess.MusicOp != session.MusicIdle {
		t.Errorf("MusicOp = %s, want idle", sess.MusicOp)
	}
}

// --- 再生 ---

func TestPlay_OwnerPlaysWholeSong(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1000, protect.Options{PayloadSize: 400})
	sess := aliceSession()
	ctrl := &scriptControls{}

	res, err := f.player.Play(context.Background(), sess, s.Header, bytes.NewReader(s.Data), ctrl)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Outcome != verify.Owner || res.Offset != 1000 || res.Segments != 3 {
		t.Errorf("result = %+v", res)
	}
	// 最終セグメントのパディングは出力しない
	if !bytes.Equal(f.out.Bytes(), protecttest.PCM(1000)) {
		t.Errorf("output length = %d", len(f.out.Bytes()))
	}
	if len(ctrl.reports) != 1 || ctrl.reports[0] != channel.StatusPlaying {
		t.Errorf("reports = %v", ctrl.reports)
	}
	if f.out.Closed() != 1 {
		t.Error("audio stream not closed")
	}
	assertFinished(t, sess)
}

func TestPlay_PreviewBudget(t *testing.T) {
	tests := []struct {
		name    string
		sess    *session.Session
		regions []model.RegionID
		want    verify.Outcome
	}{
		{"未ログインは未認可ユーザー", session.New(), nil, verify.BadUser},
		{"未ログインかつ地域外", session.New(), []model.RegionID{protecttest.RegionCanada}, verify.BadRegion},
		{"所有者でも地域外", aliceSession(), []model.RegionID{protecttest.RegionCanada}, verify.BadRegion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			s := protecttest.Song(t, f.store, 40000, protect.Options{Owner: "bob", Regions: tt.regions, PayloadSize: 1600})

			res, err := f.player.Play(context.Background(), tt.sess, s.Header, bytes.NewReader(s.Data), &scriptControls{})
			if err != nil {
				t.Fatalf("Play: %v", err)
			}
			// 30秒 = 200バイト/250ms × 4 × 30
			const preview = 200 * 4 * 30
			if res.Outcome != tt.want || res.Budget != preview || res.Offset != preview || res.Reason != StopBudget {
				t.Errorf("result = %+v", res)
			}
			if !bytes.Equal(f.out.Bytes(), protecttest.PCM(40000)[:preview]) {
				t.Errorf("output length = %d, want %d", len(f.out.Bytes()), preview)
			}
			assertFinished(t, tt.sess)
		})
	}
}

func TestPlay_LaterSegmentCorruptedEndsGracefully(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1000, protect.Options{PayloadSize: 400})
	data := append([]byte(nil), s.Data...)
	off, _ := protecttest.SegmentOffset(t, s, 1)
	data[off+5] ^= 0x01
	sess := aliceSession()

	res, err := f.player.Play(context.Background(), sess, s.Header, bytes.NewReader(data), &scriptControls{})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Reason != StopTruncated || res.Offset != 400 {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Equal(f.out.Bytes(), protecttest.PCM(400)) {
		t.Error("only segment 0 should be played")
	}
	assertFinished(t, sess)
}

func TestPlay_FirstSegmentCorruptedFails(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1000, protect.Options{PayloadSize: 400})
	data := append([]byte(nil), s.Data...)
	data[0] ^= 0x01
	sess := aliceSession()

	_, err := f.player.Play(context.Background(), sess, s.Header, bytes.NewReader(data), &scriptControls{})
	if !errors.Is(err, model.ErrBadSignature) {
		t.Fatalf("err = %v", err)
	}
	if len(f.out.Bytes()) != 0 {
		t.Error("output written for a rejected song")
	}
	assertFinished(t, sess)
}

func TestPlay_IndexOffByOneStopsWithoutDecrypting(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1200, protect.Options{PayloadSize: 400})
	off1, size1 := protecttest.SegmentOffset(t, s, 1)
	seg1 := s.Data[off1 : off1+size1]
	// 先頭に正しく署名された2番目のセグメントを置く
	data := concat(seg1, s.Data[off1:])

	_, err := f.player.Play(context.Background(), aliceSession(), s.Header, bytes.NewReader(data), &scriptControls{})
	if !errors.Is(err, model.ErrSegmentMismatch) {
		t.Fatalf("err = %v", err)
	}
	if f.accel.blocks != 0 {
		t.Errorf("decrypted %d blocks of a rejected segment", f.accel.blocks)
	}
}

func TestPlay_BadHeaderSignature(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1000, protect.Options{})
	hdr := append([]byte(nil), s.Header...)
	hdr[20] ^= 0x01
	sess := aliceSession()

	res, err := f.player.Play(context.Background(), sess, hdr, bytes.NewReader(s.Data), &scriptControls{})
	if !errors.Is(err, model.ErrBadSignature) || res.Outcome != verify.BadSignature {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if len(f.out.Streams()) != 0 {
		t.Error("audio stream opened for a forged header")
	}
	assertFinished(t, sess)
}

func TestPlay_Controls(t *testing.T) {
	pcm := protecttest.PCM(1000)

	tests := []struct {
		name        string
		at          map[int]channel.Op
		waits       []channel.Op
		wantOut     []byte
		wantReason  StopReason
		wantReports []channel.Status
	}{
		{
			name:        "STOPで停止",
			at:          map[int]channel.Op{2: channel.OpStop},
			wantOut:     pcm[:400],
			wantReason:  StopCommand,
			wantReports: []channel.Status{channel.StatusPlaying},
		},
		{
			name:        "一時停止して再開",
			at:          map[int]channel.Op{2: channel.OpPause},
			waits:       []channel.Op{channel.OpResume},
			wantOut:     pcm,
			wantReason:  StopBudget,
			wantReports: []channel.Status{channel.StatusPlaying, channel.StatusPaused, channel.StatusPlaying},
		},
		{
			name:       "一時停止中の早送りは拒否",
			at:         map[int]channel.Op{2: channel.OpPause},
			waits:      []channel.Op{channel.OpForward, channel.OpStop},
			wantOut:    pcm[:400],
			wantReason: StopCommand,
			wantReports: []channel.Status{
				channel.StatusPlaying, channel.StatusPaused, channel.StatusFailed,
			},
		},
		{
			name:        "再生中のRESUMEは拒否して継続",
			at:          map[int]channel.Op{2: channel.OpResume},
			wantOut:     pcm,
			wantReason:  StopBudget,
			wantReports: []channel.Status{channel.StatusPlaying, channel.StatusFailed},
		},
		{
			name:        "再生中のLOGINは拒否して継続",
			at:          map[int]channel.Op{1: channel.OpLogin},
			wantOut:     pcm,
			wantReason:  StopBudget,
			wantReports: []channel.Status{channel.StatusPlaying, channel.StatusFailed},
		},
		{
			name:        "RESTARTで最初から",
			at:          map[int]channel.Op{3: channel.OpRestart},
			wantOut:     concat(pcm[:800], pcm),
			wantReason:  StopBudget,
			wantReports: []channel.Status{channel.StatusPlaying, channel.StatusPlaying},
		},
		{
			name:        "末尾を超える早送りは停止",
			at:          map[int]channel.Op{2: channel.OpForward},
			wantOut:     pcm[:400],
			wantReason:  StopCommand,
			wantReports: []channel.Status{channel.StatusPlaying, channel.StatusPlaying},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			s := protecttest.Song(t, f.store, 1000, protect.Options{PayloadSize: 400})
			sess := aliceSession()
			ctrl := &scriptControls{at: tt.at, waits: tt.waits}

			res, err := f.player.Play(context.Background(), sess, s.Header, bytes.NewReader(s.Data), ctrl)
			if err != nil {
				t.Fatalf("Play: %v", err)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", res.Reason, tt.wantReason)
			}
			if !bytes.Equal(f.out.Bytes(), tt.wantOut) {
				t.Errorf("output length = %d, want %d", len(f.out.Bytes()), len(tt.wantOut))
			}
			if len(ctrl.reports) != len(tt.wantReports) {
				t.Fatalf("reports = %v, want %v", ctrl.reports, tt.wantReports)
			}
			for i := range tt.wantReports {
				if ctrl.reports[i] != tt.wantReports[i] {
					t.Errorf("reports[%d] = %s, want %s", i, ctrl.reports[i], tt.wantReports[i])
				}
			}
			assertFinished(t, sess)
		})
	}
}

func TestPlay_Seek(t *testing.T) {
	// 8000バイト = 400バイト × 20セグメント、800バイト/秒
	pcm := protecttest.PCM(8000)

	tests := []struct {
		name    string
		seek    int
		at      map[int]channel.Op
		wantOut []byte
	}{
		// 5秒 = 10セグメント。セグメント0の後に11へ
		{"早送り", 5, map[int]channel.Op{2: channel.OpForward}, concat(pcm[:400], pcm[4400:])},
		// 1秒 = 2セグメント。3セグメント再生後に1へ
		{"巻き戻し", 1, map[int]channel.Op{4: channel.OpRewind}, concat(pcm[:1200], pcm[400:])},
		// 先頭より前への巻き戻しは最初から
		{"先頭を超える巻き戻し", 5, map[int]channel.Op{4: channel.OpRewind}, concat(pcm[:1200], pcm)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{SeekSeconds: tt.seek})
			s := protecttest.Song(t, f.store, len(pcm), protect.Options{PayloadSize: 400})
			sess := aliceSession()

			res, err := f.player.Play(context.Background(), sess, s.Header, bytes.NewReader(s.Data), &scriptControls{at: tt.at})
			if err != nil {
				t.Fatalf("Play: %v", err)
			}
			if res.Offset != 8000 {
				t.Errorf("offset = %d", res.Offset)
			}
			if !bytes.Equal(f.out.Bytes(), tt.wantOut) {
				t.Errorf("output length = %d, want %d", len(f.out.Bytes()), len(tt.wantOut))
			}
		})
	}
}

func TestPlay_ForwardVerifiesSkippedSegments(t *testing.T) {
	f := newFixture(t, Config{SeekSeconds: 5})
	s := protecttest.Song(t, f.store, 8000, protect.Options{PayloadSize: 400})
	data := append([]byte(nil), s.Data...)
	off, _ := protecttest.SegmentOffset(t, s, 4)
	data[off] ^= 0x01

	res, err := f.player.Play(context.Background(), aliceSession(), s.Header, bytes.NewReader(data),
		&scriptControls{at: map[int]channel.Op{2: channel.OpForward}})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Reason != StopTruncated || len(f.out.Bytes()) != 400 {
		t.Errorf("res = %+v, output = %d", res, len(f.out.Bytes()))
	}
}

func TestPlay_CancelWhilePaused(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1000, protect.Options{PayloadSize: 400})
	sess := aliceSession()

	_, err := f.player.Play(context.Background(), sess, s.Header, bytes.NewReader(s.Data),
		&scriptControls{at: map[int]channel.Op{2: channel.OpPause}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	assertFinished(t, sess)
}

// --- エクスポート ---

func TestExport_InPlace(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1000, protect.Options{PayloadSize: 400})
	shm := memAt(append([]byte(nil), s.Data...))
	sess := aliceSession()

	res, err := f.player.Export(context.Background(), sess, s.Header, shm, shm)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Offset != 1000 || res.Segments != 3 || res.Outcome != verify.Owner {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Equal(shm[:1000], protecttest.PCM(1000)) {
		t.Error("exported PCM mismatch")
	}
	assertFinished(t, sess)
}

func TestExport_RestrictedIsPreviewOnly(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 40000, protect.Options{Owner: "bob", PayloadSize: 1600})
	shm := memAt(append([]byte(nil), s.Data...))

	res, err := f.player.Export(context.Background(), aliceSession(), s.Header, shm, shm)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Outcome != verify.BadUser || res.Offset != 24000 || res.Reason != StopBudget {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Equal(shm[:24000], protecttest.PCM(24000)) {
		t.Error("exported preview mismatch")
	}
}

func TestExport_FailureScrubsOutput(t *testing.T) {
	f := newFixture(t, Config{})
	s := protecttest.Song(t, f.store, 1200, protect.Options{PayloadSize: 400})
	shm := memAt(append([]byte(nil), s.Data...))
	off, _ := protecttest.SegmentOffset(t, s, 2)
	shm[off+1] ^= 0x01

	res, err := f.player.Export(context.Background(), aliceSession(), s.Header, shm, shm)
	if !errors.Is(err, model.ErrBadSignature) {
		t.Fatalf("err = %v", err)
	}
	if res.Offset != 0 {
		t.Errorf("offset = %d", res.Offset)
	}
	if !bytes.Equal(shm[:800], make([]byte, 800)) {
		t.Error("partial export not scrubbed")
	}
}
