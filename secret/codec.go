// Package secret encrypts the small credential blobs (passwords, OAuth
// tokens) that are stored with a mailbox account.
package secret

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
	"strings"

	"golang.org/x/crypto/hkdf"

	"mailcore/utils"
)

const (
	// KeySize is the length of the master key in bytes
	KeySize = 32

	prefix = "v1:"
	info   = "mailbox-credentials"
)

// Codec seals and opens credential strings with AES-256-GCM.
// The zero value is unusable; build one with NewCodec or Disabled.
type Codec struct {
	aead   cipher.AEAD
	cfgErr error
}

// NewCodec builds a codec from 32 bytes of key material given as 64 hex
// characters or standard base64. A missing or malformed key is a
// ConfigurationError.
func NewCodec(keyMaterial string) (*Codec, error) {
	key, err := ParseKey(keyMaterial)
	if err != nil {
		return nil, err
	}

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), derived); err != nil {
		return nil, utils.ConfigurationError("encryption key derivation failed", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, utils.ConfigurationError("encryption key rejected", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, utils.ConfigurationError("encryption key rejected", err)
	}

	return &Codec{aead: gcm}, nil
}

// Disabled returns a codec whose every call fails with cause. It lets the
// server start without a key and report the mail feature as unconfigured.
func Disabled(cause error) *Codec {
	if cause == nil {
		cause = errors.New("encryption key is not configured")
	}
	return &Codec{cfgErr: cause}
}

// ParseKey decodes hex or base64 key material into exactly KeySize bytes
func ParseKey(keyMaterial string) ([]byte, error) {
	keyMaterial = strings.TrimSpace(keyMaterial)
	if keyMaterial == "" {
		return nil, utils.ConfigurationError("encryption key is not configured", nil)
	}

	if len(keyMaterial) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(keyMaterial); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(keyMaterial); err == nil && len(key) == KeySize {
		return key, nil
	}

	return nil, utils.ConfigurationError(
		fmt.Sprintf("encryption key must be %d bytes encoded as hex or base64", KeySize), nil)
}

// GenerateKey returns a fresh random key encoded as hex
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func (c *Codec) ready() error {
	if c == nil {
		return utils.ConfigurationError("encryption key is not configured", nil)
	}
	if c.cfgErr != nil {
		if _, ok := c.cfgErr.(*utils.AppError); ok {
			return c.cfgErr
		}
		return utils.ConfigurationError("encryption is not configured", c.cfgErr)
	}
	return nil
}

// Encrypt seals plaintext under a fresh random nonce. The result is
// "v1:" followed by hex(nonce || ciphertext || tag).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", utils.InternalServerError("failed to generate nonce", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + hex.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any mismatch (wrong key,
// flipped byte, truncated input) is a DecryptionError.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	if !strings.HasPrefix(ciphertext, prefix) {
		return "", utils.DecryptionError("stored credential has an unknown format", nil)
	}

	raw, err := hex.DecodeString(ciphertext[len(prefix):])
	if err != nil {
		return "", utils.DecryptionError("stored credential is not valid hex", nil)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", utils.DecryptionError("stored credential is truncated", nil)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", utils.DecryptionError("stored credential failed authentication", nil)
	}

	return string(plaintext), nil
}

// IsCiphertext reports whether s looks like a value produced by Encrypt
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, prefix)
}
