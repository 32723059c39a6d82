package secrets

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestNewBoxRejectsWrongKeyLength(t *testing.T) {
	if _, err := NewBox([]byte("too short")); err == nil {
		t.Error("expected an error for a non-32-byte key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	plaintext := []byte("a secret upstream client secret")
	ciphertext, err := box.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext must not equal plaintext")
	}

	decrypted, err := box.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptNoncesDiffer(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	a, _ := box.Encrypt([]byte("same plaintext"))
	b, _ := box.Encrypt([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext must not produce identical ciphertext")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	ciphertext, _ := box.Encrypt([]byte("do not tamper"))
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := box.Decrypt(ciphertext); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}
}

func TestDecryptRejectsUnderDifferentKey(t *testing.T) {
	boxA, _ := NewBox(testKey())
	boxB, _ := NewBox(bytes.Repeat([]byte("j"), 32))

	ciphertext, _ := boxA.Encrypt([]byte("secret"))
	if _, err := boxB.Decrypt(ciphertext); err == nil {
		t.Error("expected decryption under a different key to fail")
	}
}

func TestEncryptStringDecryptStringRoundTrip(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	encoded, err := box.EncryptString("hello world")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	decoded, err := box.DecryptString(encoded)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if decoded != "hello world" {
		t.Errorf("DecryptString = %q, want %q", decoded, "hello world")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	if _, err := box.Decrypt([]byte("x")); err == nil {
		t.Error("expected an error for ciphertext shorter than the nonce")
	}
}
