// Package decrypt opens encrypted document payloads sealed with a share code.
//
// The content key is SHA-256 over the passcode bytes followed by the decoded session key.
// The ciphertext blob is base64: a 16 byte IV, then AES-256-GCM ciphertext and tag.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

// IVSize is the length of the IV prefixed to every ciphertext blob.
const IVSize = 16

// DeriveKey computes the content key from the passcode and the raw session key.
func DeriveKey(passcode string, sessionKey []byte) []byte {
	h := sha256.New()
	h.Write([]byte(passcode))
	h.Write(sessionKey)
	return h.Sum(nil)
}

// Open decrypts a base64 ciphertext blob using the base64 session key and passcode.
// Any decoding or authentication failure is an ErrDecryption.
func Open(ciphertextB64, sessionKeyB64, passcode string) ([]byte, error) {
	sessionKey, err := decodeBase64(sessionKeyB64)
	if err != nil {
		return nil, apperrors.ErrDecryption.WithInternal(fmt.Errorf("decode session key: %w", err))
	}
	blob, err := decodeBase64(ciphertextB64)
	if err != nil {
		return nil, apperrors.ErrDecryption.WithInternal(fmt.Errorf("decode ciphertext: %w", err))
	}
	if len(blob) <= IVSize {
		return nil, apperrors.ErrDecryption.WithInternal(errors.New("ciphertext shorter than its IV"))
	}

	aead, err := newAEAD(DeriveKey(passcode, sessionKey))
	if err != nil {
		return nil, apperrors.ErrDecryption.WithInternal(err)
	}
	if len(blob) < IVSize+aead.Overhead() {
		return nil, apperrors.ErrDecryption.WithInternal(errors.New("ciphertext shorter than its tag"))
	}

	plaintext, err := aead.Open(nil, blob[:IVSize], blob[IVSize:], nil)
	if err != nil {
		return nil, apperrors.ErrDecryption.WithInternal(err)
	}
	return plaintext, nil
}

// Seal is the inverse of Open. It returns the base64 ciphertext blob for plaintext.
func Seal(plaintext, sessionKey []byte, passcode string) (string, error) {
	aead, err := newAEAD(DeriveKey(passcode, sessionKey))
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize, IVSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(iv, iv, plaintext, nil)), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("value is empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(value); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
