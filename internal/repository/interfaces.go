// Package repository はプロビジョニングデータの永続化インターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/audiodrm/internal/model"
)

// ErrNotProvisioned はプロビジョニングデータが未作成であることを表す。
var ErrNotProvisioned = errors.New("device not provisioned")

// ProvisionRepository はプロビジョニングストアの永続化インターフェース。
type ProvisionRepository interface {
	// Load は鍵、ユーザー表、地域表をすべて読み込む。
	// 未作成の場合はErrNotProvisionedを返す。
	Load(ctx context.Context) (*model.Secrets, error)

	// Save はプロビジョニングデータを保存する。既存の内容はすべて置き換える。
	Save(ctx context.Context, secrets *model.Secrets) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
