package hipaa

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FieldEncryptor encrypts and decrypts individual PHI field values. Both
// PHIEncryptor and RotatingEncryptor satisfy it.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// EncryptionService applies field-level PHI encryption to FHIR resource JSON.
// It wraps a RotatingEncryptor plus a BlindIndexer and adds a disabled mode
// for development environments where no key is configured: all operations
// become pass-throughs.
type EncryptionService struct {
	encryptor *RotatingEncryptor
	indexer   *BlindIndexer
	enabled   bool
}

// NewEncryptionService creates the service from hex-encoded keys.
//
// An empty encKeyHex disables encryption (development mode) with a warning.
// A non-empty key must be 64 hex chars encoding a 32-byte AES-256 key; a
// malformed key is an error so the application refuses to start
// misconfigured. indexKeyHex follows the same rules and feeds the blind
// indexer; it may be empty, in which case no blind indexes are produced.
func NewEncryptionService(encKeyHex, indexKeyHex string, logger zerolog.Logger) (*EncryptionService, error) {
	if encKeyHex == "" {
		logger.Warn().Msg("PHI encryption disabled: PHI_ENCRYPTION_KEY is not set")
		return &EncryptionService{enabled: false}, nil
	}

	encKey, err := decodeKey("PHI_ENCRYPTION_KEY", encKeyHex)
	if err != nil {
		return nil, err
	}
	enc, err := NewRotatingEncryptor(encKey, 1)
	if err != nil {
		return nil, fmt.Errorf("create PHI encryptor: %w", err)
	}

	svc := &EncryptionService{encryptor: enc, enabled: true}

	if indexKeyHex != "" {
		indexKey, err := decodeKey("PHI_INDEX_KEY", indexKeyHex)
		if err != nil {
			return nil, err
		}
		idx, err := NewBlindIndexer(indexKey)
		if err != nil {
			return nil, fmt.Errorf("create blind indexer: %w", err)
		}
		svc.indexer = idx
	} else {
		logger.Warn().Msg("PHI_INDEX_KEY is not set; blind-index lookup is disabled")
	}

	logger.Info().Msg("PHI field-level encryption enabled")
	return svc, nil
}

func decodeKey(name, hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(key))
	}
	return key, nil
}

// Encryptor returns the underlying FieldEncryptor, or nil when disabled.
func (s *EncryptionService) Encryptor() FieldEncryptor {
	if !s.enabled {
		return nil
	}
	return s.encryptor
}

// Indexer returns the blind indexer, or nil when not configured.
func (s *EncryptionService) Indexer() *BlindIndexer {
	return s.indexer
}

// IsEnabled returns true if encryption is active.
func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}

// KeyVersion returns the current cipher key version, or 0 when disabled.
func (s *EncryptionService) KeyVersion() int {
	if !s.enabled {
		return 0
	}
	return s.encryptor.CurrentVersion()
}

// Rotate installs a new current key from hex and returns the new version.
func (s *EncryptionService) Rotate(newKeyHex string) (int, error) {
	if !s.enabled {
		return 0, fmt.Errorf("encryption is disabled; cannot rotate keys")
	}
	key, err := decodeKey("new key", newKeyHex)
	if err != nil {
		return 0, err
	}
	return s.encryptor.Rotate(key)
}

// AddPreviousKey registers a retired key so old ciphertexts stay readable.
func (s *EncryptionService) AddPreviousKey(keyHex string, version int) error {
	if !s.enabled {
		return fmt.Errorf("encryption is disabled; cannot add previous keys")
	}
	key, err := decodeKey("previous key", keyHex)
	if err != nil {
		return err
	}
	return s.encryptor.AddPreviousKey(key, version)
}

// EncryptField encrypts a single PHI value. Pass-through when disabled.
func (s *EncryptionService) EncryptField(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	if isVersionedCiphertext(value) {
		return value, nil
	}
	return s.encryptor.Encrypt(value)
}

// DecryptField decrypts a single PHI value. Values without a version prefix
// are returned unchanged, which makes decryption safe to apply to resources
// written before encryption was enabled.
func (s *EncryptionService) DecryptField(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	if !isVersionedCiphertext(value) {
		return value, nil
	}
	return s.encryptor.Decrypt(value)
}

// EncryptResource encrypts the configured PHI fields of a FHIR resource and
// any identifier values under sensitive systems. Already-encrypted values
// (versioned prefix) are left alone, so the operation is idempotent.
func (s *EncryptionService) EncryptResource(resourceType string, raw json.RawMessage) (json.RawMessage, error) {
	if !s.enabled {
		return raw, nil
	}
	return s.transformResource(resourceType, raw, s.EncryptField)
}

// DecryptResource reverses EncryptResource.
func (s *EncryptionService) DecryptResource(resourceType string, raw json.RawMessage) (json.RawMessage, error) {
	if !s.enabled {
		return raw, nil
	}
	return s.transformResource(resourceType, raw, s.DecryptField)
}

func (s *EncryptionService) transformResource(resourceType string, raw json.RawMessage, fn func(string) (string, error)) (json.RawMessage, error) {
	paths := PHIFieldPaths(resourceType)

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("phi transform %s: parse resource: %w", resourceType, err)
	}

	if err := transformIdentifiers(doc, fn); err != nil {
		return nil, fmt.Errorf("phi transform %s identifiers: %w", resourceType, err)
	}

	for _, path := range paths {
		if err := applyToPath(doc, strings.Split(path, "."), fn); err != nil {
			return nil, fmt.Errorf("phi transform %s.%s: %w", resourceType, path, err)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("phi transform %s: encode resource: %w", resourceType, err)
	}
	return out, nil
}

// transformIdentifiers applies fn to identifier.value wherever the
// identifier's system is sensitive (SSN, MRN).
func transformIdentifiers(doc map[string]interface{}, fn func(string) (string, error)) error {
	idents, ok := doc["identifier"].([]interface{})
	if !ok {
		return nil
	}
	for _, item := range idents {
		ident, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := ident["system"].(string)
		if !IsSensitiveIdentifierSystem(system) {
			continue
		}
		value, ok := ident["value"].(string)
		if !ok || value == "" {
			continue
		}
		transformed, err := fn(value)
		if err != nil {
			return err
		}
		ident["value"] = transformed
	}
	return nil
}

// applyToPath walks the dot-notation path through node, fanning out over
// arrays, and applies fn to the string (or []string) values at the leaf.
func applyToPath(node interface{}, segments []string, fn func(string) (string, error)) error {
	if len(segments) == 0 {
		return nil
	}

	switch n := node.(type) {
	case []interface{}:
		for _, item := range n {
			if err := applyToPath(item, segments, fn); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		child, ok := n[segments[0]]
		if !ok {
			return nil
		}
		if len(segments) > 1 {
			return applyToPath(child, segments[1:], fn)
		}
		transformed, err := transformLeaf(child, fn)
		if err != nil {
			return err
		}
		n[segments[0]] = transformed
		return nil
	default:
		return nil
	}
}

func transformLeaf(leaf interface{}, fn func(string) (string, error)) (interface{}, error) {
	switch v := leaf.(type) {
	case string:
		return fn(v)
	case []interface{}:
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				continue
			}
			transformed, err := fn(str)
			if err != nil {
				return nil, err
			}
			v[i] = transformed
		}
		return v, nil
	default:
		return leaf, nil
	}
}

// isVersionedCiphertext reports whether s carries the "v<N>:" key-version
// prefix produced by RotatingEncryptor.
func isVersionedCiphertext(s string) bool {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return false
	}
	idx := strings.Index(s, keyVersionSeparator)
	if idx <= len(keyVersionPrefix) {
		return false
	}
	for _, r := range s[len(keyVersionPrefix):idx] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
