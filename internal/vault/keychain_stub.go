//go:build !darwin

package vault

import "errors"

var errNoKeychain = errors.New("keychain integration is only supported on macOS")

func KeychainSupported() bool { return false }

func SetupKeychain() (string, error) {
	return "", errNoKeychain
}

func StoreKeychainSecret(secret string) error {
	return errNoKeychain
}

func getKeychainSecret() (string, error) {
	return "", errNoKeychain
}
