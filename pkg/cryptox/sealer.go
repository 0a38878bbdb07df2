package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// sealInfo binds derived keys to their purpose so the same master key can
// never yield the same AES key for two different uses.
const sealInfo = "authcore keystore private key v1"

var ErrNoMasterKey = errors.New("cryptox: no master key configured")

// Sealer encrypts private key material at rest using AES-256-GCM with a
// key derived from the operator's master key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from masterKey via HKDF-SHA256.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, ErrNoMasterKey
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("cryptox: derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}

	return &Sealer{aead: gcm}, nil
}

// LoadMasterKey reads the master key from path when set, otherwise from the
// env variable named by envName. It returns ErrNoMasterKey when neither is
// configured; callers decide whether that is fatal.
func LoadMasterKey(path, envName string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cryptox: read master key file: %w", err)
		}
		data = []byte(strings.TrimSpace(string(data)))
		if len(data) == 0 {
			return nil, ErrNoMasterKey
		}
		return data, nil
	}

	if v := os.Getenv(envName); v != "" {
		return []byte(v), nil
	}

	return nil, ErrNoMasterKey
}

// Seal encrypts plaintext. aad is authenticated but not encrypted; the
// keystore passes the key id so a sealed blob cannot be swapped between ids.
// Output format: [nonce][ciphertext][tag].
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errors.New("cryptox: ciphertext too short")
	}

	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decryption failed: %w", err)
	}
	return plaintext, nil
}
