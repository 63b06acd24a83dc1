//go:build darwin

package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/keybase/go-keychain"
)

// KeychainSupported reports whether this build can use the system keychain.
func KeychainSupported() bool { return true }

// SetupKeychain generates a new random secret and stores it in the keychain.
func SetupKeychain() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(key)
	if err := StoreKeychainSecret(secret); err != nil {
		return "", err
	}
	return secret, nil
}

// StoreKeychainSecret replaces the stored secret.
func StoreKeychainSecret(secret string) error {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(KeychainService)
	item.SetAccount(KeychainAccount)
	item.SetLabel("cloudchat session cache key")
	item.SetData([]byte(secret))
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlocked)

	_ = keychain.DeleteItem(item)

	if err := keychain.AddItem(item); err != nil {
		return fmt.Errorf("failed to save to keychain: %w", err)
	}
	return nil
}

func getKeychainSecret() (string, error) {
	query := keychain.NewItem()
	query.SetSecClass(keychain.SecClassGenericPassword)
	query.SetService(KeychainService)
	query.SetAccount(KeychainAccount)
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	if err != nil {
		return "", err
	} else if len(results) != 1 {
		return "", fmt.Errorf("secret not found in keychain")
	}
	return string(results[0].Data), nil
}
