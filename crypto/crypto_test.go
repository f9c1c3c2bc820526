package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("err = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || enc == nil {
				t.Fatalf("unexpected error %v", err)
			}
			if len(enc.KeyID()) != 8 {
				t.Errorf("KeyID = %q, want 8 hex chars", enc.KeyID())
			}
		})
	}
}

func TestRoundTripUsesFreshNonce(t *testing.T) {
	enc, err := NewAESEncryptor(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte("oauth:abcdef0123456789")
	a, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same value must differ")
	}
	got, err := enc.Decrypt(a)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("Decrypt = %q", got)
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	enc, _ := NewAESEncryptor(newKey(t))
	other, _ := NewAESEncryptor(newKey(t))
	sealed, _ := enc.Encrypt([]byte("secret"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	cases := map[string]struct {
		enc Encryptor
		ct  []byte
	}{
		"empty":     {enc, nil},
		"too short": {enc, sealed[:10]},
		"tampered":  {enc, tampered},
		"wrong key": {other, sealed},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := c.enc.Decrypt(c.ct); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong key err = %v, want ErrDecrypt", err)
	}
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	enc, _ := NewAESEncryptor(newKey(t))
	if _, err := enc.Encrypt(nil); err == nil {
		t.Fatal("expected error for empty plaintext")
	}
}

func TestStringHelpers(t *testing.T) {
	enc, _ := NewAESEncryptor(newKey(t))
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Fatalf("EncryptString(\"\") = %q, %v", s, err)
	}
	sealed, err := EncryptString(enc, "token-value")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "token-value" {
		t.Fatal("value stored in plaintext")
	}
	got, err := DecryptString(enc, sealed)
	if err != nil || got != "token-value" {
		t.Fatalf("DecryptString = %q, %v", got, err)
	}
	if _, err := DecryptString(enc, "%%%"); err == nil || !strings.Contains(err.Error(), "base64") {
		t.Fatalf("bad base64 err = %v", err)
	}
}
