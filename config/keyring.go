package config

import (
	"fmt"

	"github.com/99designs/keyring"
)

const keyringService = "catchall-otp"

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// passwordFromKeyring looks up the IMAP password stored under key.
func passwordFromKeyring(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// StorePassword saves the IMAP password under key so later runs can use
// --keyring-key instead of passing it on the command line.
func StorePassword(key, password string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Set(keyring.Item{Key: key, Data: []byte(password)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}
