package crypto

import (
	"bytes"
	"testing"
)

func TestSHA256HexConcatenatesParts(t *testing.T) {
	joined := SHA256Hex([]byte("9876543210"), []byte("1234"))
	whole := SHA256Hex([]byte("98765432101234"))

	if joined != whole {
		t.Fatalf("expected concatenated digest to match, got %s and %s", joined, whole)
	}
	if len(joined) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(joined))
	}
	// sha256("abc")
	if got := SHA256Hex([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", got)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x1}, 32)
	plaintext := []byte("sensitive data")

	encoded, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}

	decrypted, err := Decrypt(encoded, key)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("expected decrypted plaintext to match original, got %s", decrypted)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	encoded, err := Encrypt([]byte("234123412346"), bytes.Repeat([]byte{0x1}, 32))
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}

	if _, err := Decrypt(encoded, bytes.Repeat([]byte{0x2}, 32)); err == nil {
		t.Fatal("expected decrypt with a different key to fail")
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	if len(token) == 0 {
		t.Fatal("expected token to be non-empty")
	}
}
