package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hitoshi/audiodrm/internal/model"
)

// secretsFile はシークレットファイルのJSON表現。バイナリ値は16進文字列で保持する。
type secretsFile struct {
	ModuleKey string        `json:"module_key"`
	SongKey   string        `json:"song_key"`
	Users     []userEntry   `json:"users"`
	Regions   []regionEntry `json:"regions"`
}

type userEntry struct {
	ID       int32  `json:"id"`
	Name     string `json:"name"`
	Salt     string `json:"salt"`
	Verifier string `json:"verifier"`
}

type regionEntry struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Provisioned bool   `json:"provisioned"`
}

// FileProvisionRepo はJSONファイルを使用したプロビジョニングリポジトリ。
type FileProvisionRepo struct {
	path string
}

// NewFileProvisionRepo はFileProvisionRepoを生成する。
func NewFileProvisionRepo(path string) *FileProvisionRepo {
	return &FileProvisionRepo{path: path}
}

// Load はシークレットファイルを読み込む。ファイルが存在しない場合はErrNotProvisionedを返す。
func (r *FileProvisionRepo) Load(_ context.Context) (*model.Secrets, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	var f secretsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}

	s := &model.Secrets{}
	if err := decodeHex(s.Keys.ModuleKey[:], f.ModuleKey, "module_key"); err != nil {
		return nil, err
	}
	if err := decodeHex(s.Keys.SongKey[:], f.SongKey, "song_key"); err != nil {
		return nil, err
	}
	for _, e := range f.Users {
		if len(e.Name) > model.NameSize {
			return nil, fmt.Errorf("user name %q exceeds %d bytes", e.Name, model.NameSize)
		}
		u := model.User{ID: model.UserID(e.ID), Name: model.NewName(e.Name)}
		if err := decodeHex(u.Salt[:], e.Salt, "salt"); err != nil {
			return nil, err
		}
		if err := decodeHex(u.Verifier[:], e.Verifier, "verifier"); err != nil {
			return nil, err
		}
		s.Users = append(s.Users, u)
	}
	for _, e := range f.Regions {
		s.Regions = append(s.Regions, model.Region{
			ID:          model.RegionID(e.ID),
			Name:        e.Name,
			Provisioned: e.Provisioned,
		})
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provisioning data: %w", err)
	}
	return s, nil
}

// Save はシークレットファイルを書き込む。
// 一時ファイルに書き込んでからリネームし、所有者のみ読み書き可能にする。
func (r *FileProvisionRepo) Save(_ context.Context, s *model.Secrets) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid provisioning data: %w", err)
	}

	f := secretsFile{
		ModuleKey: hex.EncodeToString(s.Keys.ModuleKey[:]),
		SongKey:   hex.EncodeToString(s.Keys.SongKey[:]),
		Users:     make([]userEntry, 0, len(s.Users)),
		Regions:   make([]regionEntry, 0, len(s.Regions)),
	}
	for _, u := range s.Users {
		f.Users = append(f.Users, userEntry{
			ID:       int32(u.ID),
			Name:     u.Name.String(),
			Salt:     hex.EncodeToString(u.Salt[:]),
			Verifier: hex.EncodeToString(u.Verifier[:]),
		})
	}
	for _, reg := range s.Regions {
		f.Regions = append(f.Regions, regionEntry{
			ID:          uint32(reg.ID),
			Name:        reg.Name,
			Provisioned: reg.Provisioned,
		})
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}

func decodeHex(dst []byte, s, field string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", field, err)
	}
	return copyExact(dst, b, field)
}

// compile-time interface check
var _ ProvisionRepository = (*FileProvisionRepo)(nil)
