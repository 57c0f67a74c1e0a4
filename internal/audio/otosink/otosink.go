//go:build !headless

// Package otosink はoto v3を使ってPCMを音声デバイスへ出力する。
package otosink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/hitoshi/audiodrm/internal/audio"
)

// Sink はプロセスで1つのotoコンテキストを保持する。
// otoのコンテキストは作り直せないため、最初に開いた形式に固定される。
type Sink struct {
	mu     sync.Mutex
	ctx    *oto.Context
	format audio.Format
}

// New はSinkを生成する。デバイスは最初のOpenで初期化する。
func New() *Sink {
	return &Sink{}
}

func otoFormat(bits int) (oto.Format, error) {
	switch bits {
	case 8:
		return oto.FormatUnsignedInt8, nil
	case 16:
		return oto.FormatSignedInt16LE, nil
	}
	return 0, fmt.Errorf("unsupported sample width: %d bits", bits)
}

// Open はfの形式でストリームを開く。書き込みは再生に合わせてブロックする。
func (s *Sink) Open(f audio.Format) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		format, err := otoFormat(f.BitsPerSample)
		if err != nil {
			return nil, err
		}
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       format,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open audio device: %w", err)
		}
		<-ready
		s.ctx = ctx
		s.format = f
	} else if f != s.format {
		return nil, fmt.Errorf("audio device is fixed to %s, cannot play %s", s.format, f)
	}

	pr, pw := io.Pipe()
	player := s.ctx.NewPlayer(pr)
	player.Play()
	return &stream{pw: pw, pr: pr, player: player}, nil
}

type stream struct {
	pw     *io.PipeWriter
	pr     *io.PipeReader
	player *oto.Player
}

func (st *stream) Write(p []byte) (int, error) {
	return st.pw.Write(p)
}

// Close は残りのバッファを再生し終えてからプレイヤーを閉じる。
func (st *stream) Close() error {
	st.pw.Close()
	for st.player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	err := st.player.Close()
	st.pr.Close()
	return err
}

// compile-time interface check
var _ audio.Output = (*Sink)(nil)
