// Package model はドメインモデルを定義する。
package model

import "bytes"

// 固定長フィールドのサイズ（ワイヤフォーマットと共通）。
const (
	NameSize       = 16 // ユーザー名（NULパディング）
	PINSize        = 64 // PIN入力バッファ
	SaltSize       = 16
	VerifierSize   = 64 // PBKDF2-HMAC-SHA512 の出力長
	KeySize        = 64 // モジュール署名鍵
	SongKeySize    = 16 // AES-128 のブロック復号鍵
	RegionNameSize = 64
)

// UserID はユーザーテーブルのインデックス。
type UserID int32

// NoUser はログインユーザーが存在しないことを表す。
const NoUser UserID = -1

// Valid はプロビジョニング済みユーザーを指しうる値かどうかを返す。
func (id UserID) Valid() bool {
	return id >= 0
}

// RegionID は地域の識別子。
type RegionID uint32

// InvalidRegion は地域リストの終端を表す番兵値。
const InvalidRegion RegionID = 0xFFFFFFFF

// Name はNULパディングされた固定長ユーザー名。
type Name [NameSize]byte

// NewName は文字列を固定長ユーザー名に変換する。
// NameSizeを超える部分は切り捨てる。
func NewName(s string) Name {
	var n Name
	copy(n[:], s)
	return n
}

// String はNULパディングを除いたユーザー名を返す。
func (n Name) String() string {
	if i := bytes.IndexByte(n[:], 0); i >= 0 {
		return string(n[:i])
	}
	return string(n[:])
}

// Empty は空きスロットかどうかを返す。
func (n Name) Empty() bool {
	return n[0] == 0
}

// ValidUserName はユーザー名が英字のみで構成され、NULパディングされているかを検証する。
func ValidUserName(n Name) bool {
	i := 0
	for ; i < NameSize && n[i] != 0; i++ {
		c := n[i]
		if !('a' <= c && c <= 'z') && !('A' <= c && c <= 'Z') {
			return false
		}
	}
	if i == 0 {
		return false
	}
	for ; i < NameSize; i++ {
		if n[i] != 0 {
			return false
		}
	}
	return true
}

// User はプロビジョニング済みユーザーを表す。起動後は変更しない。
type User struct {
	ID       UserID
	Name     Name
	Salt     [SaltSize]byte
	Verifier [VerifierSize]byte
}

// Region は地域IDと表示名の組を表す。
// Provisionedがtrueの地域でのみ楽曲のフル再生が許可される。
type Region struct {
	ID          RegionID
	Name        string
	Provisioned bool
}

// DeviceKeys はモジュール固有の鍵素材を表す。
type DeviceKeys struct {
	ModuleKey [KeySize]byte
	SongKey   [SongKeySize]byte
}
