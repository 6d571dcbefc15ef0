// Package keyring stores provider API keys in the OS keychain.
package keyring

import (
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "gbot"

// ErrNotFound is returned when no key is stored for a provider
var ErrNotFound = errors.New("keyring: key not found")

func account(provider string) string {
	return provider + "-api-key"
}

// Get retrieves the API key stored for provider.
func Get(provider string) (string, error) {
	if disabled() {
		return "", ErrNotFound
	}
	key, err := zkr.Get(serviceName, account(provider))
	if err != nil {
		if errors.Is(err, zkr.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return key, nil
}

// Set stores the API key for provider.
func Set(provider, key string) error {
	if err := zkr.Set(serviceName, account(provider), key); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

// Delete removes the API key for provider.
func Delete(provider string) error {
	err := zkr.Delete(serviceName, account(provider))
	if errors.Is(err, zkr.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Lookup returns the stored key or "" when none is available.
func Lookup(provider string) string {
	key, err := Get(provider)
	if err != nil {
		return ""
	}
	return key
}

// Available returns true if the OS keychain is functional.
// GBOT_KEYRING_DISABLED=1 turns it off for headless/CI/Docker.
func Available() bool {
	if disabled() {
		return false
	}
	const probe = "gbot-keyring-probe"
	if err := zkr.Set(probe, "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(probe, "probe")
	return true
}

func disabled() bool {
	return os.Getenv("GBOT_KEYRING_DISABLED") == "1"
}
