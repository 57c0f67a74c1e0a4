// Package audio は再生されたPCMの出力先を定義する。
package audio

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/hitoshi/audiodrm/internal/song"
)

// Format はPCMの形式。
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// FormatOf は楽曲ヘッダーのWAV情報から形式を求める。
func FormatOf(w song.WavHeader) Format {
	return Format{
		SampleRate:    int(w.SampleRate),
		Channels:      int(w.Channels),
		BitsPerSample: int(w.BitsPerSample),
	}
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Output は楽曲ごとにストリームを開く出力装置。
type Output interface {
	// Open は形式fのストリームを開く。Writeは出力が追いつくまでブロックしてよい。
	Open(f Format) (io.WriteCloser, error)
}

// Discard は全てのPCMを捨てる。
type Discard struct{}

func (Discard) Open(Format) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Memory は出力されたPCMをメモリに保持する。
type Memory struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	formats []Format
	closed  int
}

func (m *Memory) Open(f Format) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formats = append(m.formats, f)
	return &memoryStream{m: m}, nil
}

// Bytes はこれまでに出力された全PCMのコピーを返す。
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.buf.Bytes())
}

// Streams は開かれたストリームの形式を返す。
func (m *Memory) Streams() []Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Format(nil), m.formats...)
}

// Closed は閉じられたストリーム数を返す。
func (m *Memory) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type memoryStream struct {
	m *Memory
}

func (s *memoryStream) Write(p []byte) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.buf.Write(p)
}

func (s *memoryStream) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.closed++
	return nil
}

// compile-time interface check
var (
	_ Output = Discard{}
	_ Output = (*Memory)(nil)
)
