package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Configuration failures are fatal at startup and are never retried.
var (
	ErrNoKeys       = errors.New("security: no encryption keys configured")
	ErrMalformedKey = errors.New("security: malformed encryption key")
)

// ErrDecrypt covers tamper detection, malformed input, and wrong-key
// failures without revealing which occurred.
var ErrDecrypt = errors.New("security: invalid ciphertext or key")

// MinCiphertextLength is the shortest string Encrypt can produce: a two
// character version tag, the separator, and the base64 encoding of the
// nonce and authentication tag around an empty plaintext.
const MinCiphertextLength = 59

// Keyring seals credentials under the current key version and opens
// ciphertexts produced under any configured version.
type Keyring struct {
	current string
	aeads   map[string]cipher.AEAD
}

// NewKeyring builds a Keyring from base64-encoded 32-byte keys indexed by
// version ("v1", "v2", ...). current names the version new ciphertexts are
// sealed under; it may be empty when exactly one key is configured.
func NewKeyring(keys map[string]string, current string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for version, encoded := range keys {
		if !validKeyVersion(version) {
			return nil, fmt.Errorf("security: key version %q: %w", version, ErrMalformedKey)
		}
		raw, errDecode := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if errDecode != nil {
			return nil, fmt.Errorf("security: key %s is not valid base64: %w", version, ErrMalformedKey)
		}
		if len(raw) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("security: key %s must decode to %d bytes: %w", version, chacha20poly1305.KeySize, ErrMalformedKey)
		}
		aead, errNew := chacha20poly1305.NewX(raw)
		if errNew != nil {
			return nil, fmt.Errorf("security: key %s: %w", version, ErrMalformedKey)
		}
		aeads[version] = aead
	}
	current = strings.TrimSpace(current)
	if current == "" && len(aeads) == 1 {
		for version := range aeads {
			current = version
		}
	}
	if _, ok := aeads[current]; !ok {
		return nil, fmt.Errorf("security: current key version %q not configured: %w", current, ErrNoKeys)
	}
	return &Keyring{current: current, aeads: aeads}, nil
}

// CurrentVersion reports the key version new ciphertexts are sealed under.
func (k *Keyring) CurrentVersion() string {
	if k == nil {
		return ""
	}
	return k.current
}

// Encrypt seals plaintext under the current key with a fresh random nonce,
// producing "<version>.<base64(nonce || sealed)>". The version tag is bound
// as associated data, so a ciphertext cannot be opened under a relabeled key.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if k == nil || len(k.aeads) == 0 {
		return "", fmt.Errorf("security: encrypt: %w", ErrNoKeys)
	}
	aead := k.aeads[k.current]
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, errRead := rand.Read(nonce); errRead != nil {
		return "", fmt.Errorf("security: encrypt nonce: %w", errRead)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(k.current))
	return k.current + "." + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt under whichever configured
// key its version tag names. Every failure mode returns ErrDecrypt.
func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	if k == nil || len(k.aeads) == 0 {
		return "", fmt.Errorf("security: decrypt: %w", ErrNoKeys)
	}
	version, encoded, found := strings.Cut(ciphertext, ".")
	if !found {
		return "", ErrDecrypt
	}
	aead, ok := k.aeads[version]
	if !ok {
		return "", ErrDecrypt
	}
	raw, errDecode := base64.StdEncoding.DecodeString(encoded)
	if errDecode != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrDecrypt
	}
	plaintext, errOpen := aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], []byte(version))
	if errOpen != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Rotate re-encrypts a ciphertext under the current key version. It returns
// the input unchanged with rotated=false when the ciphertext already carries
// the current version, so re-running after a partial failure is safe.
func (k *Keyring) Rotate(ciphertext string) (string, bool, error) {
	if k == nil || len(k.aeads) == 0 {
		return "", false, fmt.Errorf("security: rotate: %w", ErrNoKeys)
	}
	if version, _, found := strings.Cut(ciphertext, "."); found && version == k.current {
		return ciphertext, false, nil
	}
	plaintext, errDecrypt := k.Decrypt(ciphertext)
	if errDecrypt != nil {
		return "", false, errDecrypt
	}
	rotated, errEncrypt := k.Encrypt(plaintext)
	if errEncrypt != nil {
		return "", false, errEncrypt
	}
	return rotated, true, nil
}

// validKeyVersion accepts tags of the form "v<digits>". The separator "."
// must never appear in a tag.
func validKeyVersion(version string) bool {
	if len(version) < 2 || version[0] != 'v' {
		return false
	}
	for _, r := range version[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
