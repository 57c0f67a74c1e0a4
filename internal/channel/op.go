// Package channel はホストと共有するコマンドバッファのレイアウト、操作コード、ステータス、
// およびコマンド到着を通知するドアベルを定義する。
package channel

import "fmt"

// Op はホストが要求する操作コード。値はワイヤフォーマットと一致する。
type Op uint32

const (
	OpPlay Op = iota
	OpPause
	OpResume
	OpStop
	OpRestart
	OpForward
	OpRewind
	OpLogin
	OpLogout
	OpQuery
	OpQuerySong
	OpDigital
	OpShare
)

var opNames = [...]string{
	OpPlay:      "play",
	OpPause:     "pause",
	OpResume:    "resume",
	OpStop:      "stop",
	OpRestart:   "restart",
	OpForward:   "forward",
	OpRewind:    "rewind",
	OpLogin:     "login",
	OpLogout:    "logout",
	OpQuery:     "query",
	OpQuerySong: "query_song",
	OpDigital:   "digital",
	OpShare:     "share",
}

// String はメトリクスやログで使う操作名を返す。
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// Known は定義済みの操作コードかどうかを返す。
func (o Op) Known() bool {
	return int(o) < len(opNames)
}

// IsPlaybackControl は再生中にのみ受け付ける制御コマンドかどうかを返す。
func (o Op) IsPlaybackControl() bool {
	switch o {
	case OpPause, OpResume, OpStop, OpRestart, OpForward, OpRewind:
		return true
	}
	return false
}

// ParseControl は再生制御コマンド名を操作コードに変換する。
func ParseControl(name string) (Op, bool) {
	for i, n := range opNames {
		if n == name && Op(i).IsPlaybackControl() {
			return Op(i), true
		}
	}
	return 0, false
}

// Status はコマンドの処理状態。モジュールのみが書き込む。
type Status uint32

const (
	StatusNone Status = iota
	StatusWorking
	StatusSuccess
	StatusFailed
	StatusPlaying
	StatusPaused
)

var statusNames = [...]string{
	StatusNone:    "none",
	StatusWorking: "working",
	StatusSuccess: "success",
	StatusFailed:  "failed",
	StatusPlaying: "playing",
	StatusPaused:  "paused",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Settled はモジュールがコマンドを処理し終えた（またはホストに応答した）状態かを返す。
func (s Status) Settled() bool {
	return s != StatusNone && s != StatusWorking
}

// Playback は楽曲の再生中（一時停止を含む）を表す状態かを返す。
func (s Status) Playback() bool {
	return s == StatusPlaying || s == StatusPaused
}
