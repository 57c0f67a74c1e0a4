package verify

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/session"
	"github.com/hitoshi/audiodrm/internal/song"
)

// Segment は認証済みセグメント。Payloadはローダーの私有バッファを指し、次のLoadで上書きされる。
type Segment struct {
	Payload []byte
	Trailer song.Trailer
}

// SegmentLoader は共有メモリ上のセグメントを私有バッファへコピーして認証する。
type SegmentLoader struct {
	key     func() []byte
	tamper  TamperFunc
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	buf     [song.MaxSegmentSize]byte
}

// NewSegmentLoader はSegmentLoaderを生成する。
func NewSegmentLoader(store Store, tamper TamperFunc, logger *slog.Logger, mc metrics.MetricsCollector) *SegmentLoader {
	if tamper == nil {
		tamper = func(string) {}
	}
	return &SegmentLoader{key: store.ModuleKey, tamper: tamper, logger: logger, metrics: mc}
}

// Load はsrcのoffからsizeバイトのセグメントを読み込み、index番目のセグメントとして認証する。
// 楽曲IDまたはインデックスの不一致は差し替え・リプレイとして拒否する。
// 失敗時は私有バッファを消去し、部分的な結果は返さない。
func (l *SegmentLoader) Load(sess *session.Session, src io.ReaderAt, off int64, size, index uint32) (*Segment, error) {
	if sess.Song == nil {
		return nil, model.NewInvalidStateError("セグメント読み込み")
	}

	// ホストが指定するサイズは信頼できない
	if size > song.MaxSegmentSize || size < song.TrailerSize ||
		(size-song.TrailerSize)%song.CipherBlockSize != 0 {
		l.logger.Error("セグメントサイズが不正です",
			slog.Uint64("size", uint64(size)),
			slog.Uint64("index", uint64(index)),
		)
		l.tamper("segment size out of range")
		l.metrics.RecordTamper()
		return nil, fmt.Errorf("segment %d size %d out of range: %w", index, size, model.ErrSegmentMismatch)
	}

	buf := l.buf[:size]
	if _, err := src.ReadAt(buf, off); err != nil {
		l.wipe()
		return nil, fmt.Errorf("failed to copy segment %d: %w", index, err)
	}

	payload, rawTrailer, err := song.SplitSegment(buf)
	if err != nil {
		l.wipe()
		return nil, err
	}
	trailer, err := song.DecodeTrailer(rawTrailer)
	if err != nil {
		l.wipe()
		return nil, err
	}

	if trailer.Index != index || trailer.SongID != sess.Song.SongID {
		l.logger.Warn("セグメントが楽曲と一致しません",
			slog.Uint64("expected_index", uint64(index)),
			slog.Uint64("index", uint64(trailer.Index)),
		)
		l.wipe()
		return nil, model.NewSegmentMismatchError(index, trailer.Index)
	}

	if !security.VerifyPrefix(l.key(), buf, song.SegmentSigOffset(len(buf))) {
		l.metrics.RecordSignatureFailure(metrics.SigKindSegment)
		l.metrics.RecordTamper()
		l.logger.Warn("セグメント署名の検証に失敗しました", slog.Uint64("index", uint64(index)))
		l.wipe()
		l.tamper("segment signature")
		return nil, model.NewBadSignatureError("セグメント")
	}

	return &Segment{Payload: payload, Trailer: trailer}, nil
}

// Wipe は私有バッファを消去する。再生終了時に呼ぶ。
func (l *SegmentLoader) Wipe() {
	l.wipe()
}

func (l *SegmentLoader) wipe() {
	security.Zero(l.buf[:])
}
