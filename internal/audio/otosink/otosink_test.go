//go:build !headless

package otosink

import "testing"

func TestOtoFormat(t *testing.T) {
	tests := []struct {
		bits    int
		wantErr bool
	}{
		{8, false},
		{16, false},
		{24, true},
		{32, true},
	}
	for _, tt := range tests {
		_, err := otoFormat(tt.bits)
		if (err != nil) != tt.wantErr {
			t.Errorf("otoFormat(%d) err = %v", tt.bits, err)
		}
	}
}
