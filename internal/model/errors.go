package model

import (
	"errors"
	"fmt"
)

// DRMError は統一エラーフォーマットを表す。
// ホストに返すのは status = Failed のみだが、ログとHTTPブリッジでは原因カテゴリを区別する。
type DRMError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: integrity, access, auth, policy, system
	Action   string // ホスト向け対処方法
	err      error
}

// Error はerrorインターフェースを実装する。
func (e *DRMError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は分類用の番兵エラーを返す。
func (e *DRMError) Unwrap() error {
	return e.err
}

// 分類用の番兵エラー。errors.Isで判定する。
var (
	ErrBadSignature    = errors.New("signature verification failed")
	ErrBadRegion       = errors.New("song not playable in a provisioned region")
	ErrBadUser         = errors.New("user not authorized for song")
	ErrSegmentMismatch = errors.New("segment identity or index mismatch")
	ErrAuthFailure     = errors.New("authentication failed")
	ErrPolicyViolation = errors.New("policy violation")
	ErrInvalidState    = errors.New("command not allowed in current state")
)

// 定義済みエラーコード
const (
	ErrCodeBadSignature    = "BAD_SIGNATURE"
	ErrCodeBadRegion       = "BAD_REGION"
	ErrCodeBadUser         = "BAD_USER"
	ErrCodeSegmentMismatch = "SEGMENT_MISMATCH"
	ErrCodeAuthFailure     = "AUTH_FAILURE"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeInvalidState    = "INVALID_STATE"

	// HTTPブリッジ用
	ErrCodeCommandFailed = "COMMAND_FAILED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeTimeout       = "MODULE_TIMEOUT"
)

// NewBadSignatureError は署名検証失敗エラーを生成する。
func NewBadSignatureError(what string) *DRMError {
	return &DRMError{
		Code:     ErrCodeBadSignature,
		Message:  fmt.Sprintf("%sの署名検証に失敗しました", what),
		Category: "integrity",
		Action:   "正しく保護された楽曲ファイルを使用してください。",
		err:      ErrBadSignature,
	}
}

// NewSegmentMismatchError はセグメントの楽曲IDまたはインデックス不一致エラーを生成する。
func NewSegmentMismatchError(expected, got uint32) *DRMError {
	return &DRMError{
		Code:     ErrCodeSegmentMismatch,
		Message:  fmt.Sprintf("セグメントが一致しません: expected index %d, got %d", expected, got),
		Category: "integrity",
		Action:   "楽曲ファイルが改ざんまたは破損していないか確認してください。",
		err:      ErrSegmentMismatch,
	}
}

// NewAuthFailureError は認証失敗エラーを生成する。
func NewAuthFailureError(reason string) *DRMError {
	return &DRMError{
		Code:     ErrCodeAuthFailure,
		Message:  fmt.Sprintf("ログインに失敗しました: %s", reason),
		Category: "auth",
		Action:   "ユーザー名とPINを確認してください。",
		err:      ErrAuthFailure,
	}
}

// NewPolicyViolationError はポリシー違反エラーを生成する。
func NewPolicyViolationError(reason string) *DRMError {
	return &DRMError{
		Code:     ErrCodePolicyViolation,
		Message:  fmt.Sprintf("操作は許可されていません: %s", reason),
		Category: "policy",
		Action:   "楽曲の所有者でログインしているか確認してください。",
		err:      ErrPolicyViolation,
	}
}

// NewInvalidStateError は現在の状態で受け付けられないコマンドのエラーを生成する。
func NewInvalidStateError(op string) *DRMError {
	return &DRMError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("現在の状態では%sを実行できません", op),
		Category: "policy",
		Action:   "ログイン状態と再生状態を確認してから再度実行してください。",
		err:      ErrInvalidState,
	}
}

// NewCommandFailedError はモジュールがstatus = Failedで応答したことを表すエラーを生成する。
// モジュールは失敗理由をホストに返さないため、原因は含まない。
func NewCommandFailedError(op string) *DRMError {
	return &DRMError{
		Code:     ErrCodeCommandFailed,
		Message:  fmt.Sprintf("%sが失敗しました", op),
		Category: "module",
		Action:   "ログイン状態、再生状態、楽曲ファイルを確認してください。",
	}
}

// NewBadRequestError はリクエストの形式が不正なことを表すエラーを生成する。
func NewBadRequestError(reason string) *DRMError {
	return &DRMError{
		Code:     ErrCodeBadRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewTimeoutError はモジュールが時間内に応答しなかったことを表すエラーを生成する。
func NewTimeoutError(op string) *DRMError {
	return &DRMError{
		Code:     ErrCodeTimeout,
		Message:  fmt.Sprintf("%sの応答がありません", op),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// AsDRMError はerrをDRMErrorとして取り出す。該当しない場合はnilを返す。
func AsDRMError(err error) *DRMError {
	var de *DRMError
	if errors.As(err, &de) {
		return de
	}
	return nil
}
