package security

import (
	"bytes"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 64)
	msg := []byte("segment payload")

	sig := Sign(key, msg)
	if !Verify(key, msg, sig[:]) {
		t.Fatal("Verify returned false for a valid signature")
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 64)
	msg := []byte("segment payload")
	sig := Sign(key, msg)

	tests := []struct {
		name string
		key  []byte
		msg  []byte
		sig  []byte
	}{
		{"flipped message bit", key, []byte("segment paylOad"), sig[:]},
		{"wrong key", bytes.Repeat([]byte{0x43}, 64), msg, sig[:]},
		{"truncated signature", key, msg, sig[:32]},
		{"empty signature", key, msg, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(tt.key, tt.msg, tt.sig) {
				t.Error("Verify returned true, want false")
			}
		})
	}
}

func TestSignPrefix_VerifyPrefix(t *testing.T) {
	key := []byte("module-key")
	buf := make([]byte, 100+MACSize+8)
	for i := 0; i < 100; i++ {
		buf[i] = byte(i)
	}

	if err := SignPrefix(key, buf, 100); err != nil {
		t.Fatalf("SignPrefix: %v", err)
	}
	if !VerifyPrefix(key, buf, 100) {
		t.Fatal("VerifyPrefix returned false after SignPrefix")
	}

	// 署名範囲外の末尾は検証対象外
	buf[len(buf)-1] ^= 0xFF
	if !VerifyPrefix(key, buf, 100) {
		t.Error("trailing bytes should not affect the prefix signature")
	}

	buf[10] ^= 0x01
	if VerifyPrefix(key, buf, 100) {
		t.Error("VerifyPrefix returned true after modifying covered data")
	}
}

func TestSignPrefix_OutOfRange(t *testing.T) {
	if err := SignPrefix([]byte("k"), make([]byte, 10), 5); err == nil {
		t.Error("expected error for short buffer")
	}
	if VerifyPrefix([]byte("k"), make([]byte, 10), 5) {
		t.Error("VerifyPrefix should reject short buffer")
	}
}

func TestDeriveVerifier_Deterministic(t *testing.T) {
	pin := make([]byte, 64)
	copy(pin, "12345678")
	salt := []byte("0123456789abcdef")

	a := DeriveVerifier(pin, salt, 16)
	b := DeriveVerifier(pin, salt, 16)
	if len(a) != MACSize {
		t.Fatalf("len = %d, want %d", len(a), MACSize)
	}
	if !bytes.Equal(a, b) {
		t.Error("DeriveVerifier is not deterministic")
	}

	other := make([]byte, 64)
	copy(other, "12345679")
	if bytes.Equal(a, DeriveVerifier(other, salt, 16)) {
		t.Error("different PINs produced the same verifier")
	}
	if bytes.Equal(a, DeriveVerifier(pin, salt, 17)) {
		t.Error("different iteration counts produced the same verifier")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	if !bytes.Equal(b, []byte{0, 0, 0, 0}) {
		t.Errorf("Zero left %v", b)
	}
}
