package channel

import (
	"bytes"
	"fmt"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/song"
)

// ホスト側がペイロードを組み立て、結果を読み取るための操作。

// PutLogin はログインペイロードを書き込む。
func (b *Buffer) PutLogin(name model.Name, pin []byte) error {
	if len(pin) > model.PINSize {
		return fmt.Errorf("pin exceeds %d bytes", model.PINSize)
	}
	var padded [model.PINSize]byte
	copy(padded[:], pin)
	b.ClearLogin()
	if _, err := b.WriteAt(name[:], loginNameOffset); err != nil {
		return err
	}
	_, err := b.WriteAt(padded[:], loginPINOffset)
	clear(padded[:])
	return err
}

// LoginResult はログインペイロードの出力フィールドを読み取る。
func (b *Buffer) LoginResult() (model.UserID, bool) {
	var flag [1]byte
	b.readFull(flag[:], loginFlagOffset)
	return model.UserID(int32(b.uint32At(loginUIDOffset))), flag[0] != 0
}

// PutSong はヘッダーとセグメント列を書き込む。PLAY, DIGITAL, QUERY_SONGで使う。
func (b *Buffer) PutSong(header, data []byte) error {
	if len(header) != song.HeaderSize {
		return fmt.Errorf("header has %d bytes, want %d", len(header), song.HeaderSize)
	}
	if SongDataOffset+len(data) > b.Size() {
		return fmt.Errorf("song data of %d bytes does not fit in a %d-byte channel", len(data), b.Size())
	}
	b.putUint32At(songWavSizeOffset, 0)
	if _, err := b.WriteAt(header, songHeaderOffset); err != nil {
		return err
	}
	_, err := b.WriteAt(data, SongDataOffset)
	return err
}

// WavSize はエクスポートされたPCMのバイト数を読み取る。
func (b *Buffer) WavSize() uint32 {
	return b.uint32At(songWavSizeOffset)
}

// ReadSongData はfiledata領域の先頭nバイトを読み取る。
func (b *Buffer) ReadSongData(n int) ([]byte, error) {
	out := make([]byte, n)
	if err := b.readFull(out, SongDataOffset); err != nil {
		return nil, err
	}
	return out, nil
}

// PutShare は共有ペイロードを書き込む。
func (b *Buffer) PutShare(target model.Name, header []byte) error {
	if len(header) != song.HeaderSize {
		return fmt.Errorf("header has %d bytes, want %d", len(header), song.HeaderSize)
	}
	if _, err := b.WriteAt(target[:], shareTargetOffset); err != nil {
		return err
	}
	_, err := b.WriteAt(header, shareHeaderOffset)
	return err
}

// ShareHeader は共有操作後のヘッダーを読み取る。
func (b *Buffer) ShareHeader() []byte {
	out := make([]byte, song.HeaderSize)
	b.readFull(out, shareHeaderOffset)
	return out
}

// ReadQueryResult はQUERYの結果を読み取る。
func (b *Buffer) ReadQueryResult() QueryResult {
	nRegions := min(int(b.uint32At(queryRegionCountOffset)), song.MaxRegions)
	nUsers := min(int(b.uint32At(queryUserCountOffset)), MaxQueryUsers)
	return QueryResult{
		Regions: b.readRegionNames(queryRegionsOffset, nRegions),
		Users:   b.readNames(queryUsersOffset, nUsers),
	}
}

// ReadQuerySongResult はQUERY_SONGの結果を読み取る。
func (b *Buffer) ReadQuerySongResult() QuerySongResult {
	nRegions := min(int(b.uint32At(qsRegionCountOffset)), song.MaxRegions)
	nShared := min(int(b.uint32At(qsSharedCountOffset)), song.MaxSharedUsers)
	var owner model.Name
	b.readFull(owner[:], qsOwnerOffset)
	return QuerySongResult{
		Regions: b.readRegionNames(qsRegionsOffset, nRegions),
		Owner:   owner,
		Shared:  b.readNames(qsSharedOffset, nShared),
	}
}

func (b *Buffer) readRegionNames(off, n int) []string {
	out := make([]string, 0, n)
	for i := range n {
		var slot [model.RegionNameSize]byte
		b.readFull(slot[:], off+i*model.RegionNameSize)
		if j := bytes.IndexByte(slot[:], 0); j >= 0 {
			out = append(out, string(slot[:j]))
		} else {
			out = append(out, string(slot[:]))
		}
	}
	return out
}

func (b *Buffer) readNames(off, n int) []model.Name {
	out := make([]model.Name, 0, n)
	for i := range n {
		var name model.Name
		b.readFull(name[:], off+i*model.NameSize)
		out = append(out, name)
	}
	return out
}
