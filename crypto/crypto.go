// Package crypto encrypts secrets at rest, in practice the persisted Twitch
// session token. It implements AES-256-GCM with a random nonce per value and
// exposes a key fingerprint so stored rows record which key sealed them.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEmptyKey is returned by NewAESEncryptor for an empty key.
	ErrEmptyKey = errors.New("encryption key is empty")
	// ErrDecrypt hides the reason authentication failed.
	ErrDecrypt = errors.New("decryption failed: authentication or integrity check failed")
)

// Encryptor seals and opens byte strings with authenticated encryption.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	// KeyID identifies the key without revealing it.
	KeyID() string
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key,
// e.g. the output of `openssl rand -base64 32`.
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, ErrEmptyKey
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESEncryptor{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID is the first 4 bytes of the key's SHA-256, hex encoded.
func (e *AESEncryptor) KeyID() string { return e.keyID }

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt verifies and opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+e.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptString encrypts s and base64-encodes the result for a text column.
// The empty string stays empty.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
