package secret

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"

	"mailcore/config"
	"mailcore/utils"
)

const (
	keyringService = "mailcore"
	keyringItem    = "encryption-key"
)

// LoadKey returns the key material named by the encryption config.
// With source "keyring" the key lives in the OS keyring and is created on
// first start; otherwise it is the configured value.
func LoadKey(cfg config.EncryptionConfig) (string, error) {
	if cfg.Source != "keyring" {
		return cfg.Key, nil
	}

	ring, err := openKeyring(cfg.KeyringDir)
	if err != nil {
		return "", utils.ConfigurationError("opening keyring", err)
	}

	item, err := ring.Get(keyringItem)
	if err == nil {
		return string(item.Data), nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return "", utils.ConfigurationError("reading encryption key from keyring", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return "", utils.ConfigurationError("generating encryption key", err)
	}
	if err := ring.Set(keyring.Item{
		Key:         keyringItem,
		Data:        []byte(key),
		Label:       "mailcore credential encryption key",
		Description: "Encrypts stored mailbox passwords and tokens",
	}); err != nil {
		return "", utils.ConfigurationError("storing encryption key in keyring", err)
	}

	utils.Log.Warn("Generated a new encryption key in the %s keyring", keyringService)
	return key, nil
}

func openKeyring(fileDir string) (keyring.Keyring, error) {
	if fileDir == "" {
		fileDir = "~/.config/mailcore/keyring"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(os.Getenv("MAILCORE_KEYRING_PASSWORD")),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}
