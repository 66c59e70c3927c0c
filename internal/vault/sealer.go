package vault

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/charlesng35/offlinekyc/pkg/crypto"
)

const minSaltLength = 16

// identifierPurpose binds derived keys to identifier sealing so the vault key
// cannot be replayed against other ciphertexts.
var identifierPurpose = []byte("offlinekyc/raw-identifier/v1")

// Sealer seals raw identifiers at rest with an AES-256-GCM key derived from the vault key.
type Sealer struct {
	key    []byte
	salt   []byte
	params crypto.Argon2Parameters
}

type sealerConfig struct {
	params crypto.Argon2Parameters
	salt   []byte
}

// Option configures the sealer.
type Option func(*sealerConfig)

// WithSalt overrides the salt used for Argon2 key derivation.
func WithSalt(salt []byte) Option {
	cp := make([]byte, len(salt))
	copy(cp, salt)
	return func(cfg *sealerConfig) {
		cfg.salt = cp
	}
}

// WithArgon2Parameters overrides the Argon2 parameters used during key derivation.
func WithArgon2Parameters(params crypto.Argon2Parameters) Option {
	return func(cfg *sealerConfig) {
		cfg.params = params
	}
}

// NewSealer derives the sealing key from the vault key using Argon2id.
func NewSealer(vaultKey []byte, opts ...Option) (*Sealer, error) {
	if len(vaultKey) == 0 {
		return nil, errors.New("vault sealer: vault key is required")
	}

	cfg := sealerConfig{
		params: crypto.DefaultArgon2Params(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.salt) == 0 {
		cfg.salt = purposeSalt(vaultKey)
	} else if len(cfg.salt) < minSaltLength {
		return nil, fmt.Errorf("vault sealer: salt must be at least %d bytes (got %d)", minSaltLength, len(cfg.salt))
	}

	derived, err := crypto.DeriveKeyArgon2id(vaultKey, cfg.salt, cfg.params)
	if err != nil {
		return nil, fmt.Errorf("vault sealer: derive key: %w", err)
	}

	return &Sealer{
		key:    derived,
		salt:   append([]byte(nil), cfg.salt...),
		params: cfg.params,
	}, nil
}

// Seal encrypts a raw identifier. Each call yields a different ciphertext.
func (s *Sealer) Seal(identifier string) (string, error) {
	if identifier == "" {
		return "", errors.New("vault sealer: identifier is required")
	}
	return crypto.Encrypt([]byte(identifier), s.key)
}

// Open recovers a sealed identifier.
func (s *Sealer) Open(sealed string) (string, error) {
	plain, err := crypto.Decrypt(sealed, s.key)
	if err != nil {
		return "", fmt.Errorf("vault sealer: open: %w", err)
	}
	return string(plain), nil
}

// Salt returns a copy of the salt used during derivation.
func (s *Sealer) Salt() []byte {
	return append([]byte(nil), s.salt...)
}

// Parameters returns the Argon2 parameters used during derivation.
func (s *Sealer) Parameters() crypto.Argon2Parameters {
	return s.params
}

func purposeSalt(vaultKey []byte) []byte {
	h := sha256.New()
	h.Write(identifierPurpose)
	h.Write(vaultKey)
	return h.Sum(nil)[:minSaltLength]
}
