package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// minPasswordBytes floors generated passwords at 32 random bytes, which
// encode to 43 URL-safe characters.
const minPasswordBytes = 32

// GeneratePassword returns a URL-safe random credential built from n bytes
// of crypto/rand entropy. Requests below the floor are raised to it.
func GeneratePassword(n int) (string, error) {
	if n < minPasswordBytes {
		n = minPasswordBytes
	}
	buf := make([]byte, n)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", fmt.Errorf("security: generate password: %w", errRead)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateKey returns a fresh XChaCha20-Poly1305 key in standard base64,
// ready to paste into the encryption key configuration.
func GenerateKey() (string, error) {
	buf := make([]byte, chacha20poly1305.KeySize)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", fmt.Errorf("security: generate key: %w", errRead)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
