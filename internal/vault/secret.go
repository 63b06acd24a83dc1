package vault

import (
	"errors"
	"os"
)

const (
	SecretEnv       = "CLOUDCHAT_SECRET"
	KeychainService = "cloudchat"
	KeychainAccount = "master-key"
)

var ErrNoSecret = errors.New("no secret found")

// GetSecret resolves the session-cache secret from, in order: the explicit
// value, the CLOUDCHAT_SECRET environment variable, the system keychain.
func GetSecret(explicitSecret string) (string, error) {
	if explicitSecret != "" {
		return explicitSecret, nil
	}
	if envSecret := os.Getenv(SecretEnv); envSecret != "" {
		return envSecret, nil
	}
	secret, err := getKeychainSecret()
	if err == nil && secret != "" {
		return secret, nil
	}
	return "", ErrNoSecret
}
