// Package crypto seals sensitive values (push device tokens) before they
// are persisted.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidKey is returned when the configured seal key is unusable.
var ErrInvalidKey = errors.New("seal key must be 32 bytes of base64 or a passphrase of at least 12 characters")

const (
	saltSize = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Sealer encrypts and decrypts short secrets with AES-256-GCM. The key is
// either a raw 256-bit key or derived per value from a passphrase with
// argon2id. Derived mode prepends the salt to the sealed output, so values
// sealed by one daemon open on any other daemon configured with the same
// passphrase.
type Sealer struct {
	aead       cipher.AEAD // nil in passphrase mode
	passphrase []byte
}

// NewSealer builds a Sealer from the configured key material. Input that
// base64-decodes to exactly 32 bytes is used as the key directly; anything
// else is treated as a passphrase.
func NewSealer(encodedKey string) (*Sealer, error) {
	if key, err := base64.StdEncoding.DecodeString(encodedKey); err == nil && len(key) == 32 {
		aead, err := newAEAD(key)
		if err != nil {
			return nil, err
		}
		return &Sealer{aead: aead}, nil
	}
	if len(encodedKey) < 12 {
		return nil, ErrInvalidKey
	}
	return &Sealer{passphrase: []byte(encodedKey)}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func deriveAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, 32)
	return newAEAD(key)
}

// Seal encrypts plaintext and returns base64([salt ||] nonce || ciphertext).
// Empty plaintext stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead := s.aead
	var salt []byte
	if aead == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return "", fmt.Errorf("generate salt: %w", err)
		}
		derived, err := deriveAEAD(s.passphrase, salt)
		if err != nil {
			return "", err
		}
		aead = derived
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(salt, sealed...)), nil
}

// Open decrypts a value produced by Seal. Empty input stays empty.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}

	aead := s.aead
	if aead == nil {
		if len(data) < saltSize {
			return "", errors.New("sealed value too short")
		}
		derived, err := deriveAEAD(s.passphrase, data[:saltSize])
		if err != nil {
			return "", err
		}
		aead, data = derived, data[saltSize:]
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("sealed value too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random 256-bit key, base64-encoded, suitable
// for CALLD_PUSH_TOKEN_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// IsSealed reports whether a stored value looks like Seal output rather
// than a plaintext token. Heuristic: valid base64 at least nonce+tag long.
func IsSealed(data string) bool {
	if data == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return false
	}
	return len(decoded) >= 12+16
}
