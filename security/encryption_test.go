package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if len(key) != 32 {
		t.Errorf("GenerateKey() returned key of length %d, want 32", len(key))
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if bytes.Equal(key, key2) {
		t.Error("GenerateKey() returned identical keys")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name       string
		key        []byte
		wantErr    bool
		wantEnable bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantEnable: true},
		{name: "nil key (disabled)", key: nil},
		{name: "empty key (disabled)", key: []byte{}},
		{name: "invalid key length (16 bytes)", key: make([]byte, 16), wantErr: true},
		{name: "invalid key length (64 bytes)", key: make([]byte, 64), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if enc.IsEnabled() != tt.wantEnable {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnable)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := []byte(`{"client_id":"web"}`)
	aad := []byte("code:abc")

	sealed, err := enc.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed data contains the plaintext")
	}

	opened, err := enc.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	sealed2, _ := enc.Seal(plaintext, aad)
	if bytes.Equal(sealed, sealed2) {
		t.Error("Seal() should use a fresh nonce for each call")
	}
}

func TestEncryptor_Open_WrongAssociatedData(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	sealed, err := enc.Seal([]byte("record"), []byte("code:one"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := enc.Open(sealed, []byte("code:two")); err == nil {
		t.Error("Open() should fail when the associated data differs")
	}
}

func TestEncryptor_Open_InvalidData(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	if _, err := enc.Open([]byte("short"), nil); err == nil {
		t.Error("Open() should reject truncated ciphertext")
	}
	if _, err := enc.Open(bytes.Repeat([]byte{1}, 64), nil); err == nil {
		t.Error("Open() should reject tampered ciphertext")
	}
}

func TestEncryptor_Open_WrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	enc1, _ := NewEncryptor(key1)
	enc2, _ := NewEncryptor(key2)

	sealed, _ := enc1.Seal([]byte("record"), nil)
	if _, err := enc2.Open(sealed, nil); err == nil {
		t.Error("Open() with a different key should fail")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	sealed, err := enc.Seal([]byte("record"), nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if string(sealed) != "record" {
		t.Errorf("disabled Seal() = %q, want passthrough", sealed)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil encryptor should report disabled")
	}
	if out, err := nilEnc.Open([]byte("record"), nil); err != nil || string(out) != "record" {
		t.Errorf("nil Open() = %q, %v", out, err)
	}
}

func TestKeyFromBase64(t *testing.T) {
	key, _ := GenerateKey()
	encoded := base64.StdEncoding.EncodeToString(key)

	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("KeyFromBase64() returned a different key")
	}

	if _, err := KeyFromBase64("not-base64!"); err == nil {
		t.Error("KeyFromBase64() should reject invalid base64")
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("KeyFromBase64() should reject short keys")
	}
}
