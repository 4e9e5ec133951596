package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// DefaultKeyringService is the keyring service name secrets are stored under.
const DefaultKeyringService = "delta-go"

// Keyring fetches secrets from the OS credential store (macOS Keychain,
// Windows Credential Manager, Secret Service, ...). It suits developer
// machines where a vault is not at hand.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the OS keyring under serviceName, or DefaultKeyringService
// when serviceName is empty.
func OpenKeyring(serviceName string) (*Keyring, error) {
	if serviceName == "" {
		serviceName = DefaultKeyringService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:   serviceName,
		WinCredPrefix: serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: open keyring: %w", err)
	}
	return NewKeyring(ring), nil
}

// NewKeyring wraps an opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) FetchSecret(_ context.Context, name string) (string, error) {
	item, err := k.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: keyring get %s: %w", name, err)
	}
	return string(item.Data), nil
}

// Store saves a secret in the keyring.
func (k *Keyring) Store(name, value string) error {
	if err := k.ring.Set(keyring.Item{Key: name, Data: []byte(value), Label: name}); err != nil {
		return fmt.Errorf("secrets: keyring set %s: %w", name, err)
	}
	return nil
}
