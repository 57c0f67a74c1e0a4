package channel

import (
	"fmt"
	"io"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/song"
)

// Command は操作コードで判別されるコマンドペイロード。
// Decodeは共有バッファから必要なバイトを私有メモリへコピーしてから生成する。
type Command interface {
	Op() Op
}

// LoginCommand はログイン要求。PINは使用後にWipeで消去すること。
type LoginCommand struct {
	Name model.Name
	PIN  [model.PINSize]byte
}

func (*LoginCommand) Op() Op { return OpLogin }

// Wipe はPINのコピーを消去する。
func (c *LoginCommand) Wipe() { security.Zero(c.PIN[:]) }

// LogoutCommand はログアウト要求。
type LogoutCommand struct{}

func (LogoutCommand) Op() Op { return OpLogout }

// QueryCommand はモジュールの地域とユーザーの問い合わせ。
type QueryCommand struct{}

func (QueryCommand) Op() Op { return OpQuery }

// SongCommand はヘッダーを伴う楽曲操作（PLAY, DIGITAL, QUERY_SONG）。
// セグメント列は共有バッファに残したまま、再生時に1セグメントずつコピーする。
type SongCommand struct {
	op     Op
	Header [song.HeaderSize]byte
}

func (c *SongCommand) Op() Op { return c.op }

// ShareCommand は共有ユーザー追加の要求。
type ShareCommand struct {
	Target model.Name
	Header [song.HeaderSize]byte
}

func (*ShareCommand) Op() Op { return OpShare }

// ControlCommand は再生中の制御コマンド（PAUSE, RESUME, STOP, RESTART, FORWARD, REWIND）。
type ControlCommand struct {
	op Op
}

func (c ControlCommand) Op() Op { return c.op }

// NewControlCommand は制御コマンドを生成する。
func NewControlCommand(op Op) (ControlCommand, error) {
	if !op.IsPlaybackControl() {
		return ControlCommand{}, fmt.Errorf("%s is not a playback control", op)
	}
	return ControlCommand{op: op}, nil
}

// Decode はバッファの操作コードに対応するコマンドを読み取る。
// 未定義の操作コードはエラーを返す。
func Decode(b *Buffer) (Command, error) {
	op := b.Operation()
	switch op {
	case OpLogin:
		c := &LoginCommand{}
		if err := b.readFull(c.Name[:], loginNameOffset); err != nil {
			return nil, err
		}
		if err := b.readFull(c.PIN[:], loginPINOffset); err != nil {
			return nil, err
		}
		return c, nil
	case OpLogout:
		return LogoutCommand{}, nil
	case OpQuery:
		return QueryCommand{}, nil
	case OpPlay, OpDigital, OpQuerySong:
		c := &SongCommand{op: op}
		if err := b.readFull(c.Header[:], songHeaderOffset); err != nil {
			return nil, err
		}
		return c, nil
	case OpShare:
		c := &ShareCommand{}
		if err := b.readFull(c.Target[:], shareTargetOffset); err != nil {
			return nil, err
		}
		if err := b.readFull(c.Header[:], shareHeaderOffset); err != nil {
			return nil, err
		}
		return c, nil
	case OpPause, OpResume, OpStop, OpRestart, OpForward, OpRewind:
		return ControlCommand{op: op}, nil
	}
	return nil, fmt.Errorf("unknown operation code %d", uint32(op))
}

// SongData は共有バッファ上のfiledata領域を読み取り用に返す。
func (b *Buffer) SongData() *io.SectionReader {
	return io.NewSectionReader(b, SongDataOffset, int64(b.Size()-SongDataOffset))
}

// SongDataWriter はfiledata領域への書き込み口を返す。エクスポート結果の書き戻しに使う。
func (b *Buffer) SongDataWriter() *io.OffsetWriter {
	return io.NewOffsetWriter(b, SongDataOffset)
}

// ScrubSongData はfiledata領域の先頭nバイトを消去する。
func (b *Buffer) ScrubSongData(n int64) {
	b.Zero(SongDataOffset, n)
}

// --- モジュール側の結果書き戻し ---

// WriteLoginResult はログイン結果（uid, logged_in）を書き戻し、PINフィールドを消去する。
func (b *Buffer) WriteLoginResult(uid model.UserID, loggedIn bool) {
	b.Zero(loginPINOffset, model.PINSize)
	b.putUint32At(loginUIDOffset, uint32(uid))
	var flag [1]byte
	if loggedIn {
		flag[0] = 1
	}
	b.WriteAt(flag[:], loginFlagOffset)
}

// ClearPIN はPINフィールドだけを消去する。ログインの成否に関わらず処理後に呼ぶ。
func (b *Buffer) ClearPIN() {
	b.Zero(loginPINOffset, model.PINSize)
}

// ClearLogin はログインペイロード全体を消去する。ログアウト時に使う。
func (b *Buffer) ClearLogin() {
	b.Zero(loginNameOffset, loginPayloadSize)
}

// WriteWavSize はエクスポートしたPCMのバイト数を書き戻す。
func (b *Buffer) WriteWavSize(n uint32) {
	b.putUint32At(songWavSizeOffset, n)
}

// WriteShareHeader は共有操作で更新したヘッダーを書き戻す。
func (b *Buffer) WriteShareHeader(h []byte) error {
	if len(h) != song.HeaderSize {
		return fmt.Errorf("share header has %d bytes, want %d", len(h), song.HeaderSize)
	}
	_, err := b.WriteAt(h, shareHeaderOffset)
	return err
}

// QueryResult はQUERYの結果。
type QueryResult struct {
	Regions []string
	Users   []model.Name
}

// WriteQueryResult はQUERYの結果を書き戻す。上限を超える分は切り捨てる。
func (b *Buffer) WriteQueryResult(r QueryResult) {
	regions := r.Regions[:min(len(r.Regions), song.MaxRegions)]
	users := r.Users[:min(len(r.Users), MaxQueryUsers)]

	b.Zero(queryRegionCountOffset, queryEnd-queryRegionCountOffset)
	b.putUint32At(queryRegionCountOffset, uint32(len(regions)))
	b.putUint32At(queryUserCountOffset, uint32(len(users)))
	b.writeRegionNames(queryRegionsOffset, regions)
	b.writeNames(queryUsersOffset, users)
}

// QuerySongResult はQUERY_SONGの結果。
type QuerySongResult struct {
	Regions []string
	Owner   model.Name
	Shared  []model.Name
}

// WriteQuerySongResult はQUERY_SONGの結果をヘッダーの直後に書き戻す。
func (b *Buffer) WriteQuerySongResult(r QuerySongResult) {
	regions := r.Regions[:min(len(r.Regions), song.MaxRegions)]
	shared := r.Shared[:min(len(r.Shared), song.MaxSharedUsers)]

	b.Zero(qsRegionCountOffset, qsEnd-qsRegionCountOffset)
	b.putUint32At(qsRegionCountOffset, uint32(len(regions)))
	b.writeRegionNames(qsRegionsOffset, regions)
	b.WriteAt(r.Owner[:], qsOwnerOffset)
	b.putUint32At(qsSharedCountOffset, uint32(len(shared)))
	b.writeNames(qsSharedOffset, shared)
}

func (b *Buffer) writeRegionNames(off int, names []string) {
	for i, name := range names {
		var slot [model.RegionNameSize]byte
		// 末尾のNULを残す
		copy(slot[:model.RegionNameSize-1], name)
		b.WriteAt(slot[:], int64(off+i*model.RegionNameSize))
	}
}

func (b *Buffer) writeNames(off int, names []model.Name) {
	for i, n := range names {
		b.WriteAt(n[:], int64(off+i*model.NameSize))
	}
}
