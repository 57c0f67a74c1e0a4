// Package session はモジュール私有のセッション状態を定義する。
// セッションはディスパッチャのゴルーチンだけが所有し、各コンポーネントへ明示的に渡す。
package session

import (
	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/song"
)

// MusicOp は再生のサブ状態。
type MusicOp int

const (
	MusicIdle MusicOp = iota
	MusicLoading
	MusicPlaying
	MusicPaused
	MusicStopped
)

func (m MusicOp) String() string {
	switch m {
	case MusicIdle:
		return "idle"
	case MusicLoading:
		return "loading"
	case MusicPlaying:
		return "playing"
	case MusicPaused:
		return "paused"
	case MusicStopped:
		return "stopped"
	}
	return "unknown"
}

// Active は再生ループが動作中（制御コマンドを受け付ける状態）かを返す。
func (m MusicOp) Active() bool {
	return m == MusicPlaying || m == MusicPaused
}

// Session はモジュールの唯一のセッション。
type Session struct {
	LoggedIn   bool
	CurrentUID model.UserID
	// PIN はログイン処理中のみ使う一時バッファ。
	PIN [model.PINSize]byte

	// Song は検証済みヘッダーの私有コピー。未ロード時はnil。
	Song              *song.Header
	OwnCurrentSong    bool
	SharedCurrentSong bool

	CurrentOperation channel.Op
	MusicOp          MusicOp
}

// New はログインしていない初期状態のセッションを生成する。
func New() *Session {
	return &Session{CurrentUID: model.NoUser}
}

// User はログイン中のユーザーIDを返す。
func (s *Session) User() (model.UserID, bool) {
	if !s.LoggedIn {
		return model.NoUser, false
	}
	return s.CurrentUID, true
}

// Login はuidをログイン状態にする。
func (s *Session) Login(uid model.UserID) {
	s.CurrentUID = uid
	s.LoggedIn = true
}

// Logout はログイン状態と一時バッファを消去する。
func (s *Session) Logout() {
	s.CurrentUID = model.NoUser
	s.LoggedIn = false
	s.ClearPIN()
}

// ClearPIN はPINバッファを消去する。
func (s *Session) ClearPIN() {
	security.Zero(s.PIN[:])
}

// LoadSong は検証中のヘッダーをセッションに設定する。
func (s *Session) LoadSong(h *song.Header) {
	s.Song = h
	s.OwnCurrentSong = false
	s.SharedCurrentSong = false
}

// UnloadSong はヘッダーのコピーとアクセスフラグを消去する。失敗経路を含め、楽曲操作の終了時に必ず呼ぶ。
func (s *Session) UnloadSong() {
	if s.Song != nil {
		*s.Song = song.Header{}
	}
	s.Song = nil
	s.OwnCurrentSong = false
	s.SharedCurrentSong = false
}

// SongLoaded は楽曲ヘッダーがロードされているかを返す。
func (s *Session) SongLoaded() bool {
	return s.Song != nil
}
