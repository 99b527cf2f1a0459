// Package secrets encrypts student credentials at rest in the configuration
// file. Values are scrypt-derived AES-256-GCM, self-describing via the
// enc:v1: prefix so plain and encrypted credentials can coexist.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	prefix  = "enc:v1:"
	saltLen = 16
	keyLen  = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// ErrNotEncrypted is returned when Decrypt is handed a plain value.
var ErrNotEncrypted = errors.New("value is not an encrypted credential")

// IsEncrypted reports whether the value carries the encrypted-credential
// prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// Encrypt seals plaintext under a key derived from the passphrase. Every
// call uses a fresh salt and nonce, so outputs differ for equal inputs.
func Encrypt(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("passphrase is required")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return prefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens a value produced by Encrypt. A wrong passphrase or a
// tampered payload fails authentication.
func Decrypt(value, passphrase string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}
	if passphrase == "" {
		return "", errors.New("passphrase is required")
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	if len(payload) < saltLen {
		return "", errors.New("decode credential: payload too short")
	}

	salt, rest := payload[:saltLen], payload[saltLen:]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("decode credential: payload too short")
	}

	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
