package security

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestGeneratePassword_EnforcesFloor(t *testing.T) {
	password, err := GeneratePassword(4)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(password) < 32 {
		t.Fatalf("expected at least 32 characters, got %d", len(password))
	}
	if strings.ContainsAny(password, "+/=") {
		t.Fatalf("expected URL-safe alphabet, got %q", password)
	}
}

func TestGeneratePassword_Distinct(t *testing.T) {
	first, errFirst := GeneratePassword(32)
	if errFirst != nil {
		t.Fatalf("expected no error, got %v", errFirst)
	}
	second, errSecond := GeneratePassword(32)
	if errSecond != nil {
		t.Fatalf("expected no error, got %v", errSecond)
	}
	if first == second {
		t.Fatalf("expected distinct passwords")
	}
}

func TestGenerateKey_UsableInKeyring(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	raw, errDecode := base64.StdEncoding.DecodeString(key)
	if errDecode != nil {
		t.Fatalf("expected standard base64, got %v", errDecode)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(raw))
	}

	ring, errRing := NewKeyring(map[string]string{"v1": key}, "v1")
	if errRing != nil {
		t.Fatalf("expected usable keyring, got %v", errRing)
	}
	ciphertext, errEncrypt := ring.Encrypt("secret")
	if errEncrypt != nil {
		t.Fatalf("encrypt: %v", errEncrypt)
	}
	if plaintext, errDecrypt := ring.Decrypt(ciphertext); errDecrypt != nil || plaintext != "secret" {
		t.Fatalf("round trip failed: %q, %v", plaintext, errDecrypt)
	}
}
