// Package vault encrypts site credentials at rest. Jobs persist the secret in
// sealed form only; plaintext exists in memory for the duration of a login.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

var (
	ErrBadKey        = errors.New("vault: key must be 32 bytes")
	ErrBadCiphertext = errors.New("vault: malformed ciphertext")
	ErrDecrypt       = errors.New("vault: decryption failed")
)

// Vault seals and opens secrets with a single symmetric key.
type Vault struct {
	key [keySize]byte
}

func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrBadKey
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// Open loads the key from path, generating and persisting a fresh one when
// the file does not exist yet. The file is created with owner-only access.
func Open(path string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		raw = make([]byte, keySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return New(raw)
}

// Encrypt seals plaintext under a random nonce and returns a base64 envelope
// (nonce prepended to the box).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 envelope produced by Encrypt.
func (v *Vault) Decrypt(stored string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", ErrBadCiphertext
	}
	if len(sealed) < 24+secretbox.Overhead {
		return "", ErrBadCiphertext
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, &v.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(opened), nil
}
