package provision

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
)

// Request はプロビジョニングの入力（ユーザーとPIN、地域表）を表す。
type Request struct {
	Users   []UserSpec   `json:"users"`
	Regions []RegionSpec `json:"regions"`
}

// UserSpec はプロビジョニングするユーザー。
type UserSpec struct {
	Name string `json:"name"`
	PIN  string `json:"pin"`
}

// RegionSpec はプロビジョニングする地域。
type RegionSpec struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Provisioned bool   `json:"provisioned"`
}

// ParseRequest はJSON形式のプロビジョニング要求を読み込む。
func ParseRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning request: %w", err)
	}
	return &req, nil
}

// Generate は鍵、ソルトを乱数から生成し、各ユーザーのPINから検証子を導出する。
// ユーザーIDは要求内の順序で0から割り当てる。
func Generate(req *Request, iterations int, rnd io.Reader) (*model.Secrets, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("kdf iterations must be positive: %d", iterations)
	}

	s := &model.Secrets{}
	if _, err := io.ReadFull(rnd, s.Keys.ModuleKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate module key: %w", err)
	}
	if _, err := io.ReadFull(rnd, s.Keys.SongKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate song key: %w", err)
	}

	for i, spec := range req.Users {
		if len(spec.Name) > model.NameSize {
			return nil, fmt.Errorf("user name %q exceeds %d bytes", spec.Name, model.NameSize)
		}
		if spec.PIN == "" || len(spec.PIN) > model.PINSize {
			return nil, fmt.Errorf("pin for %q must be 1..%d bytes", spec.Name, model.PINSize)
		}

		u := model.User{ID: model.UserID(i), Name: model.NewName(spec.Name)}
		if _, err := io.ReadFull(rnd, u.Salt[:]); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		pin := PadPIN(spec.PIN)
		verifier := security.DeriveVerifier(pin[:], u.Salt[:], iterations)
		copy(u.Verifier[:], verifier)
		security.Zero(pin[:])
		security.Zero(verifier)

		s.Users = append(s.Users, u)
	}

	for _, spec := range req.Regions {
		s.Regions = append(s.Regions, model.Region{
			ID:          model.RegionID(spec.ID),
			Name:        spec.Name,
			Provisioned: spec.Provisioned,
		})
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// PadPIN はPINをNULパディングされた固定長バッファに変換する。
// 検証子はこのバッファ全体から導出する。
func PadPIN(pin string) [model.PINSize]byte {
	var b [model.PINSize]byte
	copy(b[:], pin)
	return b
}
