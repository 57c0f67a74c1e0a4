// Package security はDRMモジュールの暗号プリミティブ呼び出しをまとめる。
// 署名はすべて対称鍵のHMAC-SHA512であり、構造体の先頭から署名フィールド直前までを対象にする。
package security

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

// MACSize はHMAC-SHA512の出力長。
const MACSize = sha512.Size

// Sign はkeyでmsgのHMAC-SHA512を計算する。
func Sign(key, msg []byte) [MACSize]byte {
	var out [MACSize]byte
	m := hmac.New(sha512.New, key)
	m.Write(msg)
	m.Sum(out[:0])
	return out
}

// Verify はsigがkeyによるmsgの正しいHMACかを定数時間で比較する。
func Verify(key, msg, sig []byte) bool {
	want := Sign(key, msg)
	ok := hmac.Equal(want[:], sig)
	Zero(want[:])
	return ok
}

// VerifyPrefix は buf[:sigOffset] を対象に buf[sigOffset:sigOffset+MACSize] の署名を検証する。
//
//	[....data....][signature]
//	^-buf         ^-sigOffset
func VerifyPrefix(key, buf []byte, sigOffset int) bool {
	if sigOffset < 0 || sigOffset+MACSize > len(buf) {
		return false
	}
	return Verify(key, buf[:sigOffset], buf[sigOffset:sigOffset+MACSize])
}

// SignPrefix は buf[:sigOffset] の署名を計算し、buf[sigOffset:] に書き込む。
func SignPrefix(key, buf []byte, sigOffset int) error {
	if sigOffset < 0 || sigOffset+MACSize > len(buf) {
		return fmt.Errorf("signature offset %d out of range for %d-byte buffer", sigOffset, len(buf))
	}
	sig := Sign(key, buf[:sigOffset])
	copy(buf[sigOffset:], sig[:])
	return nil
}

// DeriveVerifier はPINとソルトからPBKDF2-HMAC-SHA512で検証子を導出する。
// pinはNULパディング済みの固定長バッファ全体を渡すこと。
func DeriveVerifier(pin, salt []byte, iterations int) []byte {
	return pbkdf2.Key(pin, salt, iterations, MACSize, sha512.New)
}

// Zero はbを0で埋める。鍵素材やPINのバッファ解放前に使用する。
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
