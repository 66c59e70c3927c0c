package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/offlinekyc/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
// The vault key is never generated: identifiers sealed under a throwaway key could not be opened after a restart.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	return generated, nil
}

// VaultKey decodes the configured sealing key and checks it carries enough entropy.
func (c VaultConfig) VaultKey() ([]byte, error) {
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return nil, fmt.Errorf("vault.encryption_key must be configured")
	}
	key, err := DecodeKey(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("vault.encryption_key: %w", err)
	}
	if len(key) < minVaultKeyBytes {
		return nil, fmt.Errorf("vault.encryption_key must decode to at least %d bytes (current: %d)", minVaultKeyBytes, len(key))
	}
	return key, nil
}

const minVaultKeyBytes = 16
