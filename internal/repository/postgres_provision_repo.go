package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/audiodrm/internal/model"
)

// provisionDB はPostgresProvisionRepoが使用するDB操作。
type provisionDB interface {
	TxBeginner
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresProvisionRepo はPostgreSQLを使用したプロビジョニングリポジトリ。
type PostgresProvisionRepo struct {
	db provisionDB
}

// NewPostgresProvisionRepo はPostgresProvisionRepoを生成する。
func NewPostgresProvisionRepo(db *sql.DB) *PostgresProvisionRepo {
	return &PostgresProvisionRepo{db: db}
}

// Load は鍵、ユーザー表、地域表を読み込む。
// ユーザーはIDの昇順で返し、IDが表のインデックスと一致することを検証する。
func (r *PostgresProvisionRepo) Load(ctx context.Context) (*model.Secrets, error) {
	s := &model.Secrets{}

	var moduleKey, songKey []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT module_key, song_key FROM device_keys WHERE id = 1`,
	).Scan(&moduleKey, &songKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device keys: %w", err)
	}
	if err := copyExact(s.Keys.ModuleKey[:], moduleKey, "module_key"); err != nil {
		return nil, err
	}
	if err := copyExact(s.Keys.SongKey[:], songKey, "song_key"); err != nil {
		return nil, err
	}

	users, err := r.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	s.Users = users

	regions, err := r.loadRegions(ctx)
	if err != nil {
		return nil, err
	}
	s.Regions = regions

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provisioning data: %w", err)
	}
	return s, nil
}

func (r *PostgresProvisionRepo) loadUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, salt, verifier FROM device_users ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var (
			u              model.User
			id             int32
			name           string
			salt, verifier []byte
		)
		if err := rows.Scan(&id, &name, &salt, &verifier); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		if len(name) > model.NameSize {
			return nil, fmt.Errorf("user name %q exceeds %d bytes", name, model.NameSize)
		}
		u.ID = model.UserID(id)
		u.Name = model.NewName(name)
		if err := copyExact(u.Salt[:], salt, "salt"); err != nil {
			return nil, err
		}
		if err := copyExact(u.Verifier[:], verifier, "verifier"); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

func (r *PostgresProvisionRepo) loadRegions(ctx context.Context) ([]model.Region, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, provisioned FROM device_regions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	defer rows.Close()

	var regions []model.Region
	for rows.Next() {
		var (
			reg model.Region
			id  int64
		)
		if err := rows.Scan(&id, &reg.Name, &reg.Provisioned); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		reg.ID = model.RegionID(id)
		regions = append(regions, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate regions: %w", err)
	}
	return regions, nil
}

// Save はプロビジョニングデータを同一トランザクションで置き換える。
func (r *PostgresProvisionRepo) Save(ctx context.Context, s *model.Secrets) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid provisioning data: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 既存データを削除
	for _, table := range []string{"device_users", "device_regions", "device_keys"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_keys (id, module_key, song_key) VALUES (1, $1, $2)`,
		s.Keys.ModuleKey[:], s.Keys.SongKey[:],
	)
	if err != nil {
		return fmt.Errorf("failed to insert device keys: %w", err)
	}

	for _, u := range s.Users {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO device_users (id, name, salt, verifier) VALUES ($1, $2, $3, $4)`,
			int32(u.ID), u.Name.String(), u.Salt[:], u.Verifier[:],
		)
		if err != nil {
			return fmt.Errorf("failed to insert user %q: %w", u.Name, err)
		}
	}

	for _, reg := range s.Regions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO device_regions (id, name, provisioned) VALUES ($1, $2, $3)`,
			int64(reg.ID), reg.Name, reg.Provisioned,
		)
		if err != nil {
			return fmt.Errorf("failed to insert region %d: %w", reg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// copyExact は長さが一致する場合のみsrcをdstにコピーする。
func copyExact(dst, src []byte, field string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%s has %d bytes, want %d", field, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// compile-time interface check
var _ ProvisionRepository = (*PostgresProvisionRepo)(nil)
