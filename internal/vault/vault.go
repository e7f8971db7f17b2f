// Package vault seals NGO payment provider tokens with AES-256-GCM.
//
// The authentication tag is kept apart from the ciphertext so that each of
// the three values can be stored in its own column.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrIncompleteConfig = errors.New("payment credential is incomplete")
	ErrDecryption       = errors.New("payment credential cannot be decrypted")
	ErrEmptyKey         = errors.New("master key is empty")
)

var hkdfInfo = []byte("demosplus ngo payment credential v1")

// Sealed is an encrypted token as persisted next to the NGO account.
type Sealed struct {
	CipherText []byte
	IV         []byte
	AuthTag    []byte
}

// Complete reports whether all three parts are present.
func (s Sealed) Complete() bool {
	return len(s.CipherText) > 0 && len(s.IV) > 0 && len(s.AuthTag) > 0
}

type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a vault from the server master key. A key of 64 hex characters is
// used as is; anything else is stretched to 32 bytes with HKDF-SHA256.
func New(masterKey string) (*Vault, error) {
	key, err := deriveKey(masterKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

func deriveKey(masterKey string) ([]byte, error) {
	if masterKey == "" {
		return nil, ErrEmptyKey
	}
	if len(masterKey) == keySize*2 {
		if raw, err := hex.DecodeString(masterKey); err == nil {
			return raw, nil
		}
	}

	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals the token under a fresh random nonce.
func (v *Vault) Encrypt(plainToken string) (Sealed, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := v.aead.Seal(nil, nonce, []byte(plainToken), nil)
	split := len(out) - tagSize

	return Sealed{
		CipherText: out[:split],
		IV:         nonce,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a sealed token. It returns ErrIncompleteConfig when a part is
// missing and ErrDecryption when the tag does not verify.
func (v *Vault) Decrypt(s Sealed) (string, error) {
	if !s.Complete() {
		return "", ErrIncompleteConfig
	}
	if len(s.IV) != nonceSize || len(s.AuthTag) != tagSize {
		return "", fmt.Errorf("%w: unexpected iv or tag size", ErrDecryption)
	}

	buf := make([]byte, 0, len(s.CipherText)+tagSize)
	buf = append(buf, s.CipherText...)
	buf = append(buf, s.AuthTag...)

	plain, err := v.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plain), nil
}
