package model

import "fmt"

// Secrets はプロビジョニングストアの全内容（鍵、ユーザー表、地域表）を表す。
// 起動時に一度だけ読み込み、稼働中は変更しない。
type Secrets struct {
	Keys    DeviceKeys
	Users   []User
	Regions []Region
}

// ProvisionedRegionIDs はこのモジュールで再生が許可された地域IDを返す。
func (s *Secrets) ProvisionedRegionIDs() []RegionID {
	var out []RegionID
	for _, r := range s.Regions {
		if r.Provisioned {
			out = append(out, r.ID)
		}
	}
	return out
}

// Validate はユーザー表と地域表の整合性を検証する。
// ユーザーIDは表のインデックスと一致している必要がある。
func (s *Secrets) Validate() error {
	names := make(map[Name]struct{}, len(s.Users))
	for i, u := range s.Users {
		if u.ID != UserID(i) {
			return fmt.Errorf("user %q has id %d, want %d", u.Name, u.ID, i)
		}
		if !ValidUserName(u.Name) {
			return fmt.Errorf("invalid user name %q", u.Name)
		}
		if _, dup := names[u.Name]; dup {
			return fmt.Errorf("duplicate user name %q", u.Name)
		}
		names[u.Name] = struct{}{}
	}
	regions := make(map[RegionID]struct{}, len(s.Regions))
	for _, r := range s.Regions {
		if r.ID == InvalidRegion {
			return fmt.Errorf("region %q uses the reserved id %#x", r.Name, uint32(r.ID))
		}
		if len(r.Name) >= RegionNameSize {
			return fmt.Errorf("region name %q exceeds %d bytes", r.Name, RegionNameSize-1)
		}
		if _, dup := regions[r.ID]; dup {
			return fmt.Errorf("duplicate region id %d", r.ID)
		}
		regions[r.ID] = struct{}{}
	}
	return nil
}
