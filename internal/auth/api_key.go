package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAPIKey covers both malformed and unknown keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

const apiKeyRandomBytes = 32

// APIKeyManager authenticates machine clients of the HWID verification
// endpoint. Keys look like <prefix><64 hex>; only SHA-256 hashes are
// configured server side.
type APIKeyManager struct {
	prefix string
	hashes []string
}

func NewAPIKeyManager(prefix string, allowedHashes []string) *APIKeyManager {
	hashes := make([]string, 0, len(allowedHashes))
	for _, h := range allowedHashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hashes = append(hashes, h)
		}
	}
	return &APIKeyManager{prefix: prefix, hashes: hashes}
}

// Enabled reports whether any key is configured.
func (m *APIKeyManager) Enabled() bool {
	return len(m.hashes) > 0
}

// GenerateAPIKey returns a new plaintext key (shown once) and the hash to
// add to the allowlist.
func (m *APIKeyManager) GenerateAPIKey() (plainKey, hash string, err error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	plainKey = m.prefix + hex.EncodeToString(b)
	hash, err = m.HashAPIKey(plainKey)
	return plainKey, hash, err
}

// HashAPIKey checks the key shape and returns its hex SHA-256.
func (m *APIKeyManager) HashAPIKey(plainKey string) (string, error) {
	if !strings.HasPrefix(plainKey, m.prefix) || len(plainKey) != len(m.prefix)+2*apiKeyRandomBytes {
		return "", ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(sum[:]), nil
}

// Verify compares against every configured hash so the time taken does
// not reveal which entry, if any, matched.
func (m *APIKeyManager) Verify(plainKey string) error {
	hash, err := m.HashAPIKey(plainKey)
	if err != nil {
		return err
	}
	matched := false
	for _, allowed := range m.hashes {
		if ConstantTimeHashCompare(hash, allowed) {
			matched = true
		}
	}
	if !matched {
		return ErrInvalidAPIKey
	}
	return nil
}

// ConstantTimeHashCompare compares two hex digests in constant time.
func ConstantTimeHashCompare(hash1, hash2 string) bool {
	return subtle.ConstantTimeCompare([]byte(hash1), []byte(hash2)) == 1
}
