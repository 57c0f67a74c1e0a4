package song

import (
	"encoding/binary"
	"fmt"

	"github.com/hitoshi/audiodrm/internal/security"
)

// Trailer はセグメント末尾の認証レコード（segment_trailer）を表す。
// 署名は「ペイロード ‖ SongID ‖ Index ‖ NextSegmentSize」を対象にする。
type Trailer struct {
	SongID          ID
	Index           uint32
	NextSegmentSize uint32 // 最終セグメントでは0
	Sig             [security.MACSize]byte
	Pad             [trailerPadSize]byte // 暗号アライメント用。解釈しない
}

// DecodeTrailer はbの先頭TrailerSizeバイトをTrailerとして読み取る。
func DecodeTrailer(b []byte) (Trailer, error) {
	var t Trailer
	if len(b) < TrailerSize {
		return t, fmt.Errorf("trailer too short: %d bytes, want %d", len(b), TrailerSize)
	}
	if _, err := binary.Decode(b[:TrailerSize], binary.LittleEndian, &t); err != nil {
		return t, fmt.Errorf("failed to decode trailer: %w", err)
	}
	return t, nil
}

// Encode はトレーラーをワイヤフォーマットのバイト列に変換する。
func (t *Trailer) Encode() []byte {
	b := make([]byte, TrailerSize)
	if _, err := binary.Encode(b, binary.LittleEndian, t); err != nil {
		panic(err)
	}
	return b
}

// SplitSegment はセグメントをペイロードとトレーラー部分に分割する。
func SplitSegment(seg []byte) (payload, trailer []byte, err error) {
	if len(seg) < TrailerSize {
		return nil, nil, fmt.Errorf("segment too short: %d bytes", len(seg))
	}
	n := len(seg) - TrailerSize
	if n%CipherBlockSize != 0 {
		return nil, nil, fmt.Errorf("segment payload %d is not a multiple of the cipher block size", n)
	}
	return seg[:n], seg[n:], nil
}

// SegmentSigOffset はセグメント全体における署名の位置を返す。
func SegmentSigOffset(segSize int) int {
	return segSize - TrailerSize + TrailerSigOffset
}
