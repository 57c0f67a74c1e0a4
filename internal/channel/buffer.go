package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Buffer はホストと共有するコマンドバッファ。
// ミューテックスは個々のアクセスの原子性のみを保証し、所有権はstatusフィールドによる規約で移る。
// モジュールはペイロードを解釈する前に必ず私有メモリへコピーすること。
type Buffer struct {
	mu  sync.Mutex
	mem []byte
}

// NewBuffer は指定サイズの共有バッファを確保する。
func NewBuffer(size int) (*Buffer, error) {
	if size < MinBufferSize {
		return nil, fmt.Errorf("channel buffer too small: %d bytes (min %d)", size, MinBufferSize)
	}
	return &Buffer{mem: make([]byte, size)}, nil
}

// Size はバッファ全体のバイト長を返す。
func (b *Buffer) Size() int {
	return len(b.mem)
}

// Operation はホストが書き込んだ操作コードを返す。
func (b *Buffer) Operation() Op {
	return Op(b.uint32At(opOffset))
}

// SetOperation は操作コードを書き込む。ホスト側が使用する。
func (b *Buffer) SetOperation(op Op) {
	b.putUint32At(opOffset, uint32(op))
}

// Status は現在のステータスを返す。
func (b *Buffer) Status() Status {
	return Status(b.uint32At(statusOffset))
}

// SetStatus はステータスを書き込む。
func (b *Buffer) SetStatus(s Status) {
	b.putUint32At(statusOffset, uint32(s))
}

// CompareAndSwapStatus はstatusがoldの場合のみnewに置き換える。
// ホストが拒否応答を読み取った後に再生中の状態へ戻すときに使う。
func (b *Buffer) CompareAndSwapStatus(old, new Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if Status(binary.LittleEndian.Uint32(b.mem[statusOffset:])) != old {
		return false
	}
	binary.LittleEndian.PutUint32(b.mem[statusOffset:], uint32(new))
	return true
}

// ReadAt はio.ReaderAtを実装する。バッファの内容をpへコピーする。
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 || off > int64(len(b.mem)) {
		return 0, fmt.Errorf("channel read at %d out of range", off)
	}
	n := copy(p, b.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt はio.WriterAtを実装する。
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(b.mem)) {
		return 0, fmt.Errorf("channel write of %d bytes at %d out of range", len(p), off)
	}
	return copy(b.mem[off:], p), nil
}

// Zero は [off, off+n) を0で埋める。範囲外は切り詰める。
func (b *Buffer) Zero(off, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 || off >= int64(len(b.mem)) || n <= 0 {
		return
	}
	end := min(off+n, int64(len(b.mem)))
	clear(b.mem[off:end])
}

func (b *Buffer) uint32At(off int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.LittleEndian.Uint32(b.mem[off:])
}

func (b *Buffer) putUint32At(off int, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.LittleEndian.PutUint32(b.mem[off:], v)
}

// readFull は [off, off+len(p)) をpへコピーする。範囲外の場合はエラーを返す。
func (b *Buffer) readFull(p []byte, off int) error {
	if _, err := b.ReadAt(p, int64(off)); err != nil {
		return fmt.Errorf("channel read of %d bytes at %d: %w", len(p), off, err)
	}
	return nil
}
