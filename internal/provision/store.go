// Package provision はプロビジョニングストア（ユーザー表、地域表、モジュール鍵）を提供する。
// ストアは起動時に一度構築し、以降は読み取り専用として扱う。
package provision

import (
	"context"
	"fmt"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/repository"
)

// UnknownRegionName は地域表に存在しない地域IDの表示名。
const UnknownRegionName = "<unknown region>"

// Store は読み取り専用のプロビジョニングストア。
type Store struct {
	keys        model.DeviceKeys
	users       []model.User
	byName      map[model.Name]model.UserID
	regions     []model.Region
	regionIndex map[model.RegionID]int
}

// NewStore はプロビジョニングデータからストアを構築する。
func NewStore(s *model.Secrets) (*Store, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provisioning data: %w", err)
	}

	st := &Store{
		keys:        s.Keys,
		users:       append([]model.User(nil), s.Users...),
		byName:      make(map[model.Name]model.UserID, len(s.Users)),
		regions:     append([]model.Region(nil), s.Regions...),
		regionIndex: make(map[model.RegionID]int, len(s.Regions)),
	}
	for _, u := range st.users {
		st.byName[u.Name] = u.ID
	}
	for i, r := range st.regions {
		st.regionIndex[r.ID] = i
	}
	return st, nil
}

// Load はリポジトリからプロビジョニングデータを読み込んでストアを構築する。
func Load(ctx context.Context, repo repository.ProvisionRepository) (*Store, error) {
	s, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioning data: %w", err)
	}
	return NewStore(s)
}

// ModuleKey はヘッダーとセグメントの署名鍵を返す。
func (s *Store) ModuleKey() []byte {
	return s.keys.ModuleKey[:]
}

// SongKey は楽曲の復号鍵を返す。
func (s *Store) SongKey() []byte {
	return s.keys.SongKey[:]
}

// User は指定IDのユーザーを返す。
func (s *Store) User(id model.UserID) (model.User, bool) {
	if !id.Valid() || int(id) >= len(s.users) {
		return model.User{}, false
	}
	return s.users[id], true
}

// LookupName はユーザー名からユーザーIDを解決する。
func (s *Store) LookupName(name model.Name) (model.UserID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// Users は全ユーザーを返す。
func (s *Store) Users() []model.User {
	return append([]model.User(nil), s.users...)
}

// ProvisionedRegions はこのモジュールで再生が許可された地域を返す。
func (s *Store) ProvisionedRegions() []model.Region {
	var out []model.Region
	for _, r := range s.regions {
		if r.Provisioned {
			out = append(out, r)
		}
	}
	return out
}

// IsProvisioned は地域IDがこのモジュールに登録された地域かを返す。
func (s *Store) IsProvisioned(id model.RegionID) bool {
	i, ok := s.regionIndex[id]
	return ok && s.regions[i].Provisioned
}

// RegionName は地域IDの表示名を返す。未知のIDにはUnknownRegionNameを返す。
func (s *Store) RegionName(id model.RegionID) string {
	if i, ok := s.regionIndex[id]; ok {
		return s.regions[i].Name
	}
	return UnknownRegionName
}
