// Package protect はWAVファイルを保護済み楽曲（署名付きヘッダーと暗号化セグメント）に変換する。
package protect

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/hitoshi/audiodrm/internal/accel"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/song"
)

// Keys は保護に必要な鍵素材とユーザー表。
type Keys interface {
	ModuleKey() []byte
	SongKey() []byte
	LookupName(name model.Name) (model.UserID, bool)
	User(id model.UserID) (model.User, bool)
}

// Options は保護処理の指定。
type Options struct {
	Owner   string
	Regions []model.RegionID
	Shared  []string
	// PayloadSize はセグメントの暗号化データ長。0の場合は1秒分をブロック境界に切り下げる。
	PayloadSize int
	// SongID がゼロ値の場合はUUIDを割り当てる。
	SongID song.ID
}

// Song は保護済み楽曲。ファイル形式はHeaderの直後にDataが続く。
type Song struct {
	Header   []byte
	Data     []byte
	Segments int
}

// WriteTo は保護済み楽曲を書き出す。
func (s *Song) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(s.Header)
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(s.Data)
	return int64(n + m), err
}

// Split は保護済みファイルをヘッダーとセグメント列に分ける。
func Split(file []byte) (header, data []byte, err error) {
	if len(file) < song.HeaderSize {
		return nil, nil, fmt.Errorf("protected file too short: %d bytes", len(file))
	}
	return file[:song.HeaderSize], file[song.HeaderSize:], nil
}

// Protect はwavのPCMをセグメントに分割して暗号化し、各トレーラーとヘッダーに署名する。
func Protect(keys Keys, wav []byte, opts Options) (*Song, error) {
	wh, pcm, err := song.ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, errors.New("wav has no audio data")
	}

	ownerID, ok := keys.LookupName(model.NewName(opts.Owner))
	if !ok {
		return nil, fmt.Errorf("owner %q is not a provisioned user", opts.Owner)
	}
	owner, _ := keys.User(ownerID)

	h := song.Header{
		SongID:        opts.SongID,
		Owner:         owner.Name,
		IntervalBytes: wh.ByteRate / song.IntervalsPerSecond,
		Wav:           wh,
	}
	if h.SongID == (song.ID{}) {
		h.SongID = song.ID(uuid.New())
	}
	if err := h.SetRegions(opts.Regions); err != nil {
		return nil, err
	}
	for _, name := range opts.Shared {
		n := model.NewName(name)
		if _, ok := keys.LookupName(n); !ok {
			return nil, fmt.Errorf("shared user %q is not a provisioned user", name)
		}
		if n == owner.Name || h.HasSharedUser(n) {
			continue
		}
		h.AddSharedUser(n)
	}

	payloadSize, err := choosePayloadSize(opts.PayloadSize, wh.ByteRate)
	if err != nil {
		return nil, err
	}

	cipher, err := accel.NewAES(keys.SongKey())
	if err != nil {
		return nil, err
	}

	data, count, first, err := encryptSegments(cipher, keys.ModuleKey(), h.SongID, pcm, payloadSize)
	if err != nil {
		return nil, err
	}
	h.SegmentCount = uint32(count)
	h.FirstSegmentSize = first

	raw := h.Encode()
	if err := security.SignPrefix(keys.ModuleKey(), raw, song.ModuleSigOffset); err != nil {
		return nil, err
	}
	if err := security.SignPrefix(owner.Verifier[:], raw, song.OwnerSigOffset); err != nil {
		return nil, err
	}

	return &Song{Header: raw, Data: data, Segments: count}, nil
}

func choosePayloadSize(requested int, byteRate uint32) (int, error) {
	size := requested
	if size == 0 {
		size = int(byteRate)
		if size > song.MaxPayloadSize {
			size = song.MaxPayloadSize
		}
		size -= size % song.CipherBlockSize
	}
	if size <= 0 || size > song.MaxPayloadSize || size%song.CipherBlockSize != 0 {
		return 0, fmt.Errorf("segment payload size %d must be a positive multiple of %d up to %d",
			size, song.CipherBlockSize, song.MaxPayloadSize)
	}
	return size, nil
}

// encryptSegments はPCMを暗号化したセグメント列を返す。最終セグメントはゼロで埋める。
// 各トレーラーのnext_segment_sizeは次のセグメント長（トレーラー込み）、最終セグメントでは0。
func encryptSegments(cipher *accel.AES, moduleKey []byte, id song.ID, pcm []byte, payloadSize int) ([]byte, int, uint32, error) {
	var sizes []int
	for off := 0; off < len(pcm); off += payloadSize {
		n := min(payloadSize, len(pcm)-off)
		sizes = append(sizes, roundUp(n, song.CipherBlockSize))
	}

	var out []byte
	off := 0
	for i, psize := range sizes {
		seg := make([]byte, psize+song.TrailerSize)
		copy(seg, pcm[off:min(off+psize, len(pcm))])
		off += psize
		for b := 0; b < psize; b += song.CipherBlockSize {
			cipher.EncryptBlock(seg[b:b+song.CipherBlockSize], seg[b:b+song.CipherBlockSize])
		}

		tr := song.Trailer{SongID: id, Index: uint32(i)}
		if i+1 < len(sizes) {
			tr.NextSegmentSize = uint32(sizes[i+1] + song.TrailerSize)
		}
		copy(seg[psize:], tr.Encode())
		if err := security.SignPrefix(moduleKey, seg, song.SegmentSigOffset(len(seg))); err != nil {
			return nil, 0, 0, fmt.Errorf("sign segment %d: %w", i, err)
		}
		out = append(out, seg...)
	}
	return out, len(sizes), uint32(sizes[0] + song.TrailerSize), nil
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}
