package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// BlindIndexer computes deterministic HMAC-SHA256 digests of identifier
// values so encrypted columns remain searchable by exact match. The index key
// must be distinct from the encryption key: rotating the cipher key does not
// invalidate stored indexes.
type BlindIndexer struct {
	key []byte
}

// NewBlindIndexer creates a BlindIndexer with the given 32-byte index key.
func NewBlindIndexer(key []byte) (*BlindIndexer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("blind indexer: key must be 32 bytes, got %d", len(key))
	}
	return &BlindIndexer{key: key}, nil
}

// Index returns the hex-encoded HMAC of the normalized value. An empty value
// (after normalization) indexes to the empty string so optional identifiers
// do not produce a digest of "".
func (b *BlindIndexer) Index(value string) string {
	norm := NormalizeIdentifier(value)
	if norm == "" {
		return ""
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write([]byte(norm))
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeIdentifier canonicalizes an identifier before indexing: trimmed,
// lowercased, with the separators people type into SSNs and MRNs removed.
// "123-45-6789" and "123 45 6789" index identically.
func NormalizeIdentifier(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var sb strings.Builder
	sb.Grow(len(value))
	for _, r := range value {
		switch r {
		case '-', ' ', '.', '/':
			continue
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
