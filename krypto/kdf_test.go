package krypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyScryptDeterministic(t *testing.T) {
	salt, err := NewRandomSalt()
	if err != nil {
		t.Fatalf("NewRandomSalt: %v", err)
	}
	p := DefaultScryptParams()

	a, err := DeriveKeyScrypt([]byte("GoodPass123"), salt, p)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKeyScrypt([]byte("GoodPass123"), salt, p)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same password and salt must derive the same key")
	}
	if len(a) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(a))
	}
}

func TestDeriveKeyScryptSaltSensitivity(t *testing.T) {
	s1, _ := NewRandomSalt()
	s2, _ := NewRandomSalt()
	if bytes.Equal(s1, s2) {
		t.Fatal("salts should differ")
	}
	p := DefaultScryptParams()

	k1, err := DeriveKeyScrypt([]byte("GoodPass123"), s1, p)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKeyScrypt([]byte("GoodPass123"), s2, p)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatal("different salts must derive different keys")
	}
}

func TestDeriveKeyScryptRejectsBadInput(t *testing.T) {
	salt, _ := NewRandomSalt()
	p := DefaultScryptParams()

	if _, err := DeriveKeyScrypt(nil, salt, p); err == nil {
		t.Fatal("expected error for empty password")
	}
	if _, err := DeriveKeyScrypt([]byte("pw"), salt[:8], p); err == nil {
		t.Fatal("expected error for short salt")
	}
	bad := p
	bad.KeyLen = 16
	if _, err := DeriveKeyScrypt([]byte("pw"), salt, bad); !errors.Is(err, ErrKeyLength) {
		t.Fatalf("expected ErrKeyLength, got %v", err)
	}
	bad = p
	bad.N = 1000
	if _, err := DeriveKeyScrypt([]byte("pw"), salt, bad); err == nil {
		t.Fatal("expected error for non power-of-two N")
	}
}

func TestHKDFSHA256(t *testing.T) {
	a, err := HKDFSHA256([]byte("server secret"), nil, []byte("session-token-v1"), 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	b, err := HKDFSHA256([]byte("server secret"), nil, []byte("other-purpose"), 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if len(a) != 32 || bytes.Equal(a, b) {
		t.Fatal("expected distinct 32-byte subkeys per info label")
	}
	if _, err := HKDFSHA256(nil, nil, nil, 32); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
