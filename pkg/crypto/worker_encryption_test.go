package crypto

import (
	"errors"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("short-secret"))
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := enc.Encrypt("ya29.refresh-me")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "ya29.refresh-me" {
		t.Fatal("ciphertext equals plaintext")
	}

	again, _ := enc.Encrypt("ya29.refresh-me")
	if again == sealed {
		t.Error("nonce reused across calls")
	}

	got, err := enc.Decrypt(sealed)
	if err != nil || got != "ya29.refresh-me" {
		t.Errorf("Decrypt() = %q, %v", got, err)
	}
}

func TestEncryptor_Errors(t *testing.T) {
	if _, err := NewEncryptor(nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("NewEncryptor(nil) = %v, want ErrEmptyKey", err)
	}

	a, _ := NewEncryptor([]byte("key-a"))
	b, _ := NewEncryptor([]byte("key-b"))
	sealed, _ := a.Encrypt("token")

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"wrong key", sealed, ErrDecryptionFailed},
		{"too short", "AAAA", ErrInvalidCiphertext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Decrypt(tt.input); !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}

	if got, err := a.Encrypt(""); got != "" || err != nil {
		t.Errorf("Encrypt(\"\") = %q, %v", got, err)
	}
}
