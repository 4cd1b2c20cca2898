package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// phiEncoding is the ciphertext wire encoding: unpadded standard base64.
var phiEncoding = base64.RawStdEncoding

// ErrCiphertextMalformed reports input that cannot be decoded at all, as
// opposed to ciphertext that decodes but fails authentication.
var ErrCiphertextMalformed = errors.New("phi decrypt: malformed ciphertext")

// PHIEncryptor applies AES-256-GCM to individual PHI field values. Every
// call draws a fresh random nonce, which travels prepended to the sealed
// box inside the encoded string.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor builds an encryptor from a 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	ns := e.aead.NonceSize()
	buf := make([]byte, ns, ns+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("phi encrypt: nonce: %w", err)
	}
	sealed := e.aead.Seal(buf, buf, []byte(plaintext), nil)
	return phiEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Malformed input and authentication failure are
// both errors; callers must treat the value as unreadable, never as empty.
func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := phiEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCiphertextMalformed
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns+e.aead.Overhead() {
		return "", ErrCiphertextMalformed
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plain), nil
}
