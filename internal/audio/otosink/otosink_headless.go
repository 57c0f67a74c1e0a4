//go:build headless

// Package otosink はheadlessビルドでは音声デバイスを持たない。
package otosink

import (
	"errors"
	"io"

	"github.com/hitoshi/audiodrm/internal/audio"
)

// Sink はheadlessビルドでのダミー実装。
type Sink struct{}

func New() *Sink {
	return &Sink{}
}

func (s *Sink) Open(audio.Format) (io.WriteCloser, error) {
	return nil, errors.New("audio output is not available in headless builds")
}

var _ audio.Output = (*Sink)(nil)
