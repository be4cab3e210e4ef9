// Package secrets seals transcript content at rest with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// sealedPrefix marks sealed values so content written before a key was configured still reads.
const sealedPrefix = "gcm1:"

var (
	newGCM = cipher.NewGCM

	errKeyFormat = errors.New("SESSION_SECRETS_KEY must be 32 bytes or base64-encoded 32 bytes")
	errSealed    = errors.New("invalid sealed content")
)

func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("SESSION_SECRETS_KEY is required")
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, errKeyFormat
	}
	return decoded, nil
}

type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// FromKey returns nil when raw is empty, meaning content is stored in the clear.
func FromKey(raw string) (*Cipher, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	key, err := ParseKey(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned unchanged.
func (c *Cipher) Open(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	size := c.aead.NonceSize()
	if len(data) < size {
		return "", errSealed
	}
	plain, err := c.aead.Open(nil, data[:size], data[size:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
