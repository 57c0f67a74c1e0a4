// Package accel はブロック復号アクセラレータとのインターフェースを定義する。
// 実機ではハードウェアが担当する処理を、ここではソフトウェアAESで代替する。
package accel

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/hitoshi/audiodrm/internal/song"
)

// Accelerator は固定長ブロックを1つずつ復号する。
type Accelerator interface {
	BlockSize() int
	// DecryptBlock はsrcの1ブロックを復号してdstに書き込む。dstとsrcは同一でもよい。
	DecryptBlock(dst, src []byte)
}

// AES はAES-128のブロック単位（ECB）でアクセラレータを模擬する。
type AES struct {
	block cipher.Block
}

// NewAES は楽曲鍵からAESアクセラレータを生成する。
func NewAES(key []byte) (*AES, error) {
	if len(key) != song.CipherBlockSize {
		return nil, fmt.Errorf("song key must be %d bytes, got %d", song.CipherBlockSize, len(key))
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &AES{block: b}, nil
}

func (a *AES) BlockSize() int { return a.block.BlockSize() }

func (a *AES) DecryptBlock(dst, src []byte) { a.block.Decrypt(dst, src) }

// EncryptBlock は保護ツールが使用する暗号化方向の処理。
func (a *AES) EncryptBlock(dst, src []byte) { a.block.Encrypt(dst, src) }

// DecryptSegment はbufをブロックごとにその場で復号し、呼び出し回数を返す。
// bufの長さはブロック長の倍数でなければならない。
func DecryptSegment(a Accelerator, buf []byte) (int, error) {
	bs := a.BlockSize()
	if len(buf)%bs != 0 {
		return 0, fmt.Errorf("payload of %d bytes is not a multiple of the %d-byte block", len(buf), bs)
	}
	n := 0
	for off := 0; off < len(buf); off += bs {
		a.DecryptBlock(buf[off:off+bs], buf[off:off+bs])
		n++
	}
	return n, nil
}

// compile-time interface check
var _ Accelerator = (*AES)(nil)
