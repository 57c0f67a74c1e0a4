// Package protecttest はテスト用のプロビジョニング済みストアと保護済み楽曲を生成する。
package protecttest

import (
	"bytes"
	"testing"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/protect"
	"github.com/hitoshi/audiodrm/internal/provision"
	"github.com/hitoshi/audiodrm/internal/song"
)

// Iterations はテスト用のKDF反復回数。
const Iterations = 4

// テスト用の地域ID。
const (
	RegionUSA    model.RegionID = 1
	RegionCanada model.RegionID = 2 // 未登録
	RegionJapan  model.RegionID = 3
)

// SampleRate は8bitモノラルの小さなフォーマットで、プレビュー長（24000バイト）を短く保つ。
const SampleRate = 800

// PINs はテストユーザーのPIN。
var PINs = map[string]string{
	"alice": "1111",
	"bob":   "2222",
	"carol": "3333",
}

type seqReader struct{ n byte }

func (r *seqReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.n
		r.n += 7
	}
	return len(p), nil
}

// NewStore はalice(0), bob(1), carol(2)と地域表を持つストアを生成する。
func NewStore(t testing.TB) *provision.Store {
	t.Helper()
	req := &provision.Request{
		Users: []provision.UserSpec{
			{Name: "alice", PIN: PINs["alice"]},
			{Name: "bob", PIN: PINs["bob"]},
			{Name: "carol", PIN: PINs["carol"]},
		},
		Regions: []provision.RegionSpec{
			{ID: uint32(RegionUSA), Name: "USA", Provisioned: true},
			{ID: uint32(RegionCanada), Name: "Canada", Provisioned: false},
			{ID: uint32(RegionJapan), Name: "Japan", Provisioned: true},
		},
	}
	secrets, err := provision.Generate(req, Iterations, &seqReader{})
	if err != nil {
		t.Fatalf("provision.Generate: %v", err)
	}
	st, err := provision.NewStore(secrets)
	if err != nil {
		t.Fatalf("provision.NewStore: %v", err)
	}
	return st
}

// PCM は決まったパターンのPCMデータを返す。
func PCM(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// WAV はpcmを8bitモノラルのWAVファイルに包む。
func WAV(pcm []byte) []byte {
	var buf bytes.Buffer
	buf.Write(song.NewWavHeader(SampleRate, 1, 8, uint32(len(pcm))).Encode())
	buf.Write(pcm)
	return buf.Bytes()
}

// Song はpcmLenバイトの楽曲を保護する。opts.Ownerが空の場合はaliceが所有者になる。
func Song(t testing.TB, keys protect.Keys, pcmLen int, opts protect.Options) *protect.Song {
	t.Helper()
	if opts.Owner == "" {
		opts.Owner = "alice"
	}
	if opts.Regions == nil {
		opts.Regions = []model.RegionID{RegionUSA}
	}
	s, err := protect.Protect(keys, WAV(PCM(pcmLen)), opts)
	if err != nil {
		t.Fatalf("protect.Protect: %v", err)
	}
	return s
}

// SegmentOffset はData内のindex番目のセグメントの位置と長さを返す。
func SegmentOffset(t testing.TB, s *protect.Song, index int) (int, int) {
	t.Helper()
	h, err := song.DecodeHeader(s.Header)
	if err != nil {
		t.Fatal(err)
	}
	off, size := 0, int(h.FirstSegmentSize)
	for i := 0; i < index; i++ {
		tr, err := song.DecodeTrailer(s.Data[off+size-song.TrailerSize:])
		if err != nil {
			t.Fatal(err)
		}
		off += size
		size = int(tr.NextSegmentSize)
	}
	return off, size
}
