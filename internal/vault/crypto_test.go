package vault

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("1234567890ABCDEF1234567890ABCDEF")
	plainText := []byte("secret message")

	cipherText, err := Encrypt(plainText, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(cipherText) == 0 {
		t.Fatal("CipherText is empty")
	}

	decrypted, err := Decrypt(cipherText, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plainText) {
		t.Errorf("Decrypted message does not match original.\nGot: %s\nWant: %s", decrypted, plainText)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := []byte("1234567890ABCDEF1234567890ABCDEF")
	key2 := []byte("TOTAL_DIFFERENT_KEY_1234567890AB")

	cipherText, _ := Encrypt([]byte("secret message"), key1)

	if _, err := Decrypt(cipherText, key2); err == nil {
		t.Error("Expected error when decrypting with wrong key, got nil")
	}
}

func TestNonceRandomness(t *testing.T) {
	key := []byte("1234567890ABCDEF1234567890ABCDEF")
	plainText := []byte("same message")

	c1, _ := Encrypt(plainText, key)
	c2, _ := Encrypt(plainText, key)

	if bytes.Equal(c1, c2) {
		t.Error("Encryption should produce different output for same input (nonce usage)")
	}
}

func TestCorruptCiphertext(t *testing.T) {
	key := []byte("1234567890ABCDEF1234567890ABCDEF")

	_, err := Decrypt([]byte("foo"), key)
	if err == nil {
		t.Error("Expected error for short ciphertext, got nil")
	} else if err.Error() != "cipher too short" {
		t.Errorf("Expected 'cipher too short' error, got: %v", err)
	}

	valid, _ := Encrypt([]byte("message"), key)
	valid[len(valid)-1] ^= 0x01

	if _, err = Decrypt(valid, key); err == nil {
		t.Error("Expected error for tampered ciphertext, got nil")
	}
}

func TestShortKeyRejected(t *testing.T) {
	if _, err := Encrypt([]byte("x"), []byte("short")); err != ErrShortKey {
		t.Errorf("Expected ErrShortKey, got %v", err)
	}
}

func TestStringRoundTripWithDerivedKey(t *testing.T) {
	key := DeriveKey("correct horse")
	enc, err := EncryptString("token-value", key)
	if err != nil {
		t.Fatalf("EncryptString failed: %v", err)
	}
	got, err := DecryptString(enc, key)
	if err != nil {
		t.Fatalf("DecryptString failed: %v", err)
	}
	if got != "token-value" {
		t.Errorf("got %q, want token-value", got)
	}
	if _, err := DecryptString(enc, DeriveKey("wrong")); err == nil {
		t.Error("Expected error with a different derived key")
	}
}
