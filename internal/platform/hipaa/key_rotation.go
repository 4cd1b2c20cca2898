package hipaa

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Versioned ciphertexts carry a "v{n}:" prefix so the decrypting side can
// pick the matching key after a rotation.
const (
	keyVersionPrefix    = "v"
	keyVersionSeparator = ":"
)

// RotatingEncryptor wraps one current PHIEncryptor plus the retired keys
// still needed to read ciphertext written before a rotation.
type RotatingEncryptor struct {
	mu      sync.RWMutex
	current *PHIEncryptor
	version int
	retired map[int]*PHIEncryptor
}

// NewRotatingEncryptor creates an encryptor keyed with currentKey at
// currentVersion.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current: enc,
		version: currentVersion,
		retired: make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key so old ciphertext stays readable.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	r.retired[version] = enc
	r.mu.Unlock()
	return nil
}

// Encrypt seals plaintext under the current key and prefixes the version.
func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	enc, ver := r.current, r.version
	r.mu.RUnlock()

	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(ver) + keyVersionSeparator + ciphertext, nil
}

// Decrypt picks the key named by the version prefix. Unprefixed input is
// treated as legacy data written before versioning and tried against the
// current key.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	version, data, err := parseVersionedCiphertext(ciphertext)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if err != nil {
		return r.current.Decrypt(ciphertext)
	}
	if version == r.version {
		return r.current.Decrypt(data)
	}
	enc, ok := r.retired[version]
	if !ok {
		return "", fmt.Errorf("no key available for version %d", version)
	}
	return enc.Decrypt(data)
}

// NeedsReEncryption reports whether ciphertext was written under anything
// other than the current key version. Unprefixed legacy data always needs
// re-encryption.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	version, _, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return version != r.version
}

// ReEncrypt rewrites ciphertext under the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

// Rotate retires the current key and installs newKey under the next version
// number. Returns the new current version.
func (r *RotatingEncryptor) Rotate(newKey []byte) (int, error) {
	enc, err := NewPHIEncryptor(newKey)
	if err != nil {
		return 0, fmt.Errorf("rotating encryptor: new key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.retired[r.version] = r.current
	r.version++
	r.current = enc
	return r.version, nil
}

// CurrentVersion returns the active key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func parseVersionedCiphertext(s string) (int, string, error) {
	rest, found := strings.CutPrefix(s, keyVersionPrefix)
	if !found {
		return 0, "", fmt.Errorf("no version prefix")
	}
	verStr, data, found := strings.Cut(rest, keyVersionSeparator)
	if !found {
		return 0, "", fmt.Errorf("no version separator")
	}
	version, err := strconv.Atoi(verStr)
	if err != nil {
		return 0, "", fmt.Errorf("invalid version %q", verStr)
	}
	return version, data, nil
}
