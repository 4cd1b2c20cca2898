package hipaa

import (
	"crypto/rand"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPHIEncryptor_KeySize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"empty key", 0, true},
		{"16-byte key", 16, true},
		{"31-byte key", 31, true},
		{"32-byte key", 32, false},
		{"33-byte key", 33, true},
		{"64-byte key", 64, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPHIEncryptor(make([]byte, tt.size))
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %d-byte key", tt.size)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPHIEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"name", "John Doe"},
		{"ssn", "123-45-6789"},
		{"mrn", "MRN-00012345"},
		{"narrative", "Patient has a history of hypertension and diabetes mellitus type 2."},
		{"binary", "\x00\x01\x02binary data\xff\xfe"},
		{"unicode", "José Martínez, née Dubois"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if ciphertext == tt.plaintext {
				t.Fatal("ciphertext should differ from plaintext")
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("roundtrip failed: got %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestPHIEncryptor_EmptyPlaintext(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	ciphertext, err := enc.Encrypt("")
	if err != nil {
		t.Fatalf("encrypt empty string: %v", err)
	}
	if ciphertext == "" {
		t.Fatal("ciphertext for empty string should still carry nonce and tag")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt empty string: %v", err)
	}
	if decrypted != "" {
		t.Errorf("expected empty string, got %q", decrypted)
	}
}

func TestPHIEncryptor_NonceUniqueness(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	plaintext := "Jane Smith, DOB 1985-03-15"
	ct1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	ct2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}

	if ct1 == ct2 {
		t.Error("same plaintext must encrypt to different ciphertexts")
	}

	d1, _ := enc.Decrypt(ct1)
	d2, _ := enc.Decrypt(ct2)
	if d1 != plaintext || d2 != plaintext {
		t.Error("both ciphertexts should decrypt to the original plaintext")
	}
}

func TestPHIEncryptor_DecryptErrors(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	t.Run("garbage input", func(t *testing.T) {
		_, err := enc.Decrypt("not-valid-base64!!!")
		if !errors.Is(err, ErrCiphertextMalformed) {
			t.Fatalf("expected ErrCiphertextMalformed, got %v", err)
		}
	})

	t.Run("padded base64 rejected", func(t *testing.T) {
		_, err := enc.Decrypt("QUJDRA==")
		if !errors.Is(err, ErrCiphertextMalformed) {
			t.Fatalf("expected ErrCiphertextMalformed, got %v", err)
		}
	})

	t.Run("too short", func(t *testing.T) {
		_, err := enc.Decrypt("AQID")
		if !errors.Is(err, ErrCiphertextMalformed) {
			t.Fatalf("expected ErrCiphertextMalformed, got %v", err)
		}
	})

	t.Run("tampered sealed box", func(t *testing.T) {
		ciphertext, err := enc.Encrypt("sensitive data")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		raw, err := phiEncoding.DecodeString(ciphertext)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		raw[len(raw)-1] ^= 0xff

		_, err = enc.Decrypt(phiEncoding.EncodeToString(raw))
		if err == nil {
			t.Fatal("expected authentication failure")
		}
		if errors.Is(err, ErrCiphertextMalformed) {
			t.Error("tampering should fail authentication, not decoding")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		ciphertext, err := enc.Encrypt("secret PHI data")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		other, err := NewPHIEncryptor(generateTestKey(t))
		if err != nil {
			t.Fatalf("create other encryptor: %v", err)
		}
		if _, err := other.Decrypt(ciphertext); err == nil {
			t.Fatal("expected error when decrypting with wrong key")
		}
	})
}
