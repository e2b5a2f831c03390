package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const DefaultService = "relayfeed"

// OpenKeyring opens the platform keyring for service, falling back to an
// encrypted file store under ~/.config/relayfeed.
func OpenKeyring(service string) (keyring.Keyring, error) {
	if strings.TrimSpace(service) == "" {
		service = DefaultService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/relayfeed/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("relayfeed-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

type KeyringSource struct {
	ring keyring.Keyring
	key  string
}

func NewKeyringSource(ring keyring.Keyring, key string) *KeyringSource {
	return &KeyringSource{ring: ring, key: strings.TrimSpace(key)}
}

func (k *KeyringSource) Token(context.Context) (string, error) {
	if k.ring == nil || k.key == "" {
		return "", nil
	}
	item, err := k.ring.Get(k.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", k.key, err)
	}
	return strings.TrimSpace(string(item.Data)), nil
}

func (k *KeyringSource) Store(token string) error {
	if k.ring == nil || k.key == "" {
		return fmt.Errorf("keyring key is required")
	}
	err := k.ring.Set(keyring.Item{
		Key:   k.key,
		Data:  []byte(strings.TrimSpace(token)),
		Label: "relayfeed bearer token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", k.key, err)
	}
	return nil
}

func (k *KeyringSource) Delete() error {
	if k.ring == nil || k.key == "" {
		return nil
	}
	if err := k.ring.Remove(k.key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", k.key, err)
	}
	return nil
}
