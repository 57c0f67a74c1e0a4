package provision

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/repository"
	"github.com/hitoshi/audiodrm/internal/security"
)

// testIterations はテスト用のKDF反復回数。
const testIterations = 8

func testRequest() *Request {
	return &Request{
		Users: []UserSpec{
			{Name: "alice", PIN: "12345678"},
			{Name: "bob", PIN: "87654321"},
		},
		Regions: []RegionSpec{
			{ID: 1, Name: "USA", Provisioned: true},
			{ID: 2, Name: "Canada", Provisioned: false},
			{ID: 3, Name: "Japan", Provisioned: true},
		},
	}
}

// deterministicReader は0,1,2,...を返す乱数源の代替。
type deterministicReader struct{ n byte }

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.n
		r.n++
	}
	return len(p), nil
}

func TestGenerate_DerivesVerifierFromPaddedPIN(t *testing.T) {
	s, err := Generate(testRequest(), testIterations, &deterministicReader{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(s.Users) != 2 {
		t.Fatalf("users = %d", len(s.Users))
	}
	alice := s.Users[0]
	if alice.ID != 0 || alice.Name.String() != "alice" {
		t.Errorf("alice = %+v", alice)
	}

	pin := PadPIN("12345678")
	want := security.DeriveVerifier(pin[:], alice.Salt[:], testIterations)
	if !bytes.Equal(alice.Verifier[:], want) {
		t.Error("verifier does not match PBKDF2 over the padded PIN")
	}
	if s.Users[1].Salt == alice.Salt {
		t.Error("users share a salt")
	}
}

func TestGenerate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		iter   int
	}{
		{"反復回数が0", func(*Request) {}, 0},
		{"空のPIN", func(r *Request) { r.Users[0].PIN = "" }, testIterations},
		{"長すぎるPIN", func(r *Request) { r.Users[0].PIN = strings.Repeat("1", model.PINSize+1) }, testIterations},
		{"名前に数字", func(r *Request) { r.Users[0].Name = "al1ce" }, testIterations},
		{"長すぎる名前", func(r *Request) { r.Users[0].Name = strings.Repeat("a", model.NameSize+1) }, testIterations},
		{"名前の重複", func(r *Request) { r.Users[1].Name = "alice" }, testIterations},
		{"番兵の地域ID", func(r *Request) { r.Regions[0].ID = uint32(model.InvalidRegion) }, testIterations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(req)
			if _, err := Generate(req, tt.iter, &deterministicReader{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(strings.NewReader(`{
		"users": [{"name": "alice", "pin": "1234"}],
		"regions": [{"id": 7, "name": "USA", "provisioned": true}]
	}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Users) != 1 || req.Users[0].PIN != "1234" || req.Regions[0].ID != 7 {
		t.Errorf("req = %+v", req)
	}

	if _, err := ParseRequest(strings.NewReader(`{"user": []}`)); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestStore_Lookups(t *testing.T) {
	secrets, err := Generate(testRequest(), testIterations, &deterministicReader{})
	if err != nil {
		t.Fatal(err)
	}
	st, err := NewStore(secrets)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if id, ok := st.LookupName(model.NewName("bob")); !ok || id != 1 {
		t.Errorf("LookupName(bob) = %d, %v", id, ok)
	}
	if _, ok := st.LookupName(model.NewName("carol")); ok {
		t.Error("LookupName(carol) should fail")
	}
	if _, ok := st.User(model.NoUser); ok {
		t.Error("User(NoUser) should fail")
	}
	if _, ok := st.User(2); ok {
		t.Error("User(2) should fail for a 2-user table")
	}
	if u, ok := st.User(0); !ok || u.Name.String() != "alice" {
		t.Errorf("User(0) = %+v, %v", u, ok)
	}

	if !st.IsProvisioned(1) || st.IsProvisioned(2) || st.IsProvisioned(99) {
		t.Error("IsProvisioned mismatch")
	}
	if got := st.ProvisionedRegions(); len(got) != 2 || got[1].Name != "Japan" {
		t.Errorf("ProvisionedRegions = %+v", got)
	}
	if got := st.RegionName(2); got != "Canada" {
		t.Errorf("RegionName(2) = %q", got)
	}
	if got := st.RegionName(42); got != UnknownRegionName {
		t.Errorf("RegionName(42) = %q", got)
	}
	if !bytes.Equal(st.ModuleKey(), secrets.Keys.ModuleKey[:]) {
		t.Error("ModuleKey mismatch")
	}
}

type fakeRepo struct {
	secrets *model.Secrets
	err     error
}

func (f *fakeRepo) Load(context.Context) (*model.Secrets, error) { return f.secrets, f.err }
func (f *fakeRepo) Save(_ context.Context, s *model.Secrets) error {
	f.secrets = s
	return nil
}

var _ repository.ProvisionRepository = (*fakeRepo)(nil)

func TestLoad(t *testing.T) {
	secrets, _ := Generate(testRequest(), testIterations, &deterministicReader{})
	if _, err := Load(context.Background(), &fakeRepo{secrets: secrets}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := Load(context.Background(), &fakeRepo{err: repository.ErrNotProvisioned})
	if !errors.Is(err, repository.ErrNotProvisioned) {
		t.Errorf("err = %v, want ErrNotProvisioned", err)
	}
}
