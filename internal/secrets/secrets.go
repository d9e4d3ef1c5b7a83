// Package secrets seals credentials kept in the configuration file, such as
// the remote store DSN and bucket keys. Values are encrypted with
// AES-256-GCM under a per-installation key stored in the data directory, so
// a copied config file is useless without the device it came from.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// Prefix marks a sealed value in the configuration file.
	Prefix = "sealed:"
	// KeyFileName is the key file inside the data directory.
	KeyFileName = "secret.key"

	keySize = 32
)

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid sealed value")
	// ErrInvalidKey is returned when the key file is malformed.
	ErrInvalidKey = errors.New("invalid key")
)

// Key is an installation's sealing key.
type Key [keySize]byte

// LoadKey reads the key file in dir. A missing file is reported with an
// error wrapping os.ErrNotExist.
func LoadKey(dir string) (Key, error) {
	var k Key
	data, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	if err != nil {
		return k, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != keySize {
		return k, ErrInvalidKey
	}
	copy(k[:], raw)
	return k, nil
}

// LoadOrCreateKey reads the key file in dir, generating it on first use.
func LoadOrCreateKey(dir string) (Key, error) {
	k, err := LoadKey(dir)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return k, err
	}
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return k, fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(k[:]) + "\n"
	if err := os.WriteFile(filepath.Join(dir, KeyFileName), []byte(encoded), 0600); err != nil {
		return k, fmt.Errorf("failed to write key: %w", err)
	}
	return k, nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts plaintext under key.
func Seal(plaintext string, key Key) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are returned
// unchanged so plain settings keep working.
func Open(value string, key Key) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// newGCM derives the cipher key from the installation key, so the key file
// is never used as an AES key directly.
func newGCM(key Key) (cipher.AEAD, error) {
	h, err := blake2b.New256(key[:])
	if err != nil {
		return nil, err
	}
	h.Write([]byte("tourneysync config secrets"))
	block, err := aes.NewCipher(h.Sum(nil))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
