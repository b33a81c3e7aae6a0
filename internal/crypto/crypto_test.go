package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestNewEncryptor_EmptyKey(t *testing.T) {
	if _, err := NewEncryptor(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	e, err := NewEncryptor("my-secret-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []string{"sk-test-123", "", "ключ-🔑", strings.Repeat("x", 4096)}
	for _, plaintext := range tests {
		ct, err := e.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		got, err := e.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptor_NonceIsRandom(t *testing.T) {
	e, _ := NewEncryptor("my-secret-key")

	a, _ := e.Encrypt("same")
	b, _ := e.Encrypt("same")
	if a == b {
		t.Error("expected different ciphertexts for repeated encryption")
	}
}

func TestEncryptor_WrongKey(t *testing.T) {
	a, _ := NewEncryptor("key-a")
	b, _ := NewEncryptor("key-b")

	ct, _ := a.Encrypt("sk-test-123")
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestEncryptor_Garbage(t *testing.T) {
	e, _ := NewEncryptor("my-secret-key")

	for _, in := range []string{"not base64!!", "YQ==", ""} {
		if _, err := e.Decrypt(in); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Decrypt(%q) error = %v, want ErrInvalidCiphertext", in, err)
		}
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	e, _ := NewEncryptor("my-secret-key")

	sealed, err := e.Seal("sk-live")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("expected sealed value, got %q", sealed)
	}

	again, _ := e.Seal(sealed)
	if again != sealed {
		t.Error("sealing twice should be a no-op")
	}

	opened, err := e.Open(sealed)
	if err != nil || opened != "sk-live" {
		t.Errorf("Open() = %q, %v", opened, err)
	}

	plain, err := e.Open("legacy-plaintext")
	if err != nil || plain != "legacy-plaintext" {
		t.Errorf("Open() on plaintext = %q, %v", plain, err)
	}

	empty, _ := e.Seal("")
	if empty != "" {
		t.Errorf("empty value should stay empty, got %q", empty)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("") != "" {
		t.Error("empty key should have empty fingerprint")
	}
	a := Fingerprint("sk-a")
	if len(a) != 8 {
		t.Errorf("fingerprint length = %d, want 8", len(a))
	}
	if a != Fingerprint("sk-a") {
		t.Error("fingerprint should be deterministic")
	}
	if a == Fingerprint("sk-b") {
		t.Error("different keys should differ")
	}
}
