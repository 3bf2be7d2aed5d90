package auth

import (
	"errors"
	"strings"
	"testing"
)

// fastArgon keeps the suite quick; production defaults are covered separately.
var fastArgon = Argon2Params{MemoryKiB: 8 * 1024, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func newTestHasher(t *testing.T) *Argon2Hasher {
	t.Helper()
	h, err := NewArgon2Hasher(fastArgon)
	if err != nil {
		t.Fatalf("NewArgon2Hasher: %v", err)
	}
	return h
}

func TestHashAndVerifyPassword(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.Hash("GoodPass123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}

	ok, err := h.Verify("GoodPass123", encoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected Verify to succeed")
	}

	ok, err = h.Verify("WrongPass123", encoded)
	if err != nil {
		t.Fatalf("Verify mismatch should not error: %v", err)
	}
	if ok {
		t.Fatal("expected Verify to fail for wrong password")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)
	a, err := h.Hash("GoodPass123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("GoodPass123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct hashes for repeated calls")
	}
}

func TestVerifyUsesEmbeddedParameters(t *testing.T) {
	old, err := NewArgon2Hasher(fastArgon)
	if err != nil {
		t.Fatalf("NewArgon2Hasher: %v", err)
	}
	encoded, err := old.Hash("GoodPass123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	stronger := fastArgon
	stronger.Time = 2
	h, err := NewArgon2Hasher(stronger)
	if err != nil {
		t.Fatalf("NewArgon2Hasher: %v", err)
	}
	ok, err := h.Verify("GoodPass123", encoded)
	if err != nil || !ok {
		t.Fatalf("expected verify across parameter change, ok=%v err=%v", ok, err)
	}
	needs, err := h.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash: %v", err)
	}
	if !needs {
		t.Fatal("expected NeedsRehash for weaker stored parameters")
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h := newTestHasher(t)
	cases := []string{
		"",
		"invalid-hash-format",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!notbase64$aGFzaGhhc2hoYXNoaGFzaA",
	}
	for _, encoded := range cases {
		ok, err := h.Verify("GoodPass123", encoded)
		if !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("Verify(%q): expected ErrMalformedHash, got %v", encoded, err)
		}
		if ok {
			t.Fatalf("Verify(%q): expected false", encoded)
		}
	}
}

func TestNewArgon2HasherRejectsWeakParams(t *testing.T) {
	weak := fastArgon
	weak.MemoryKiB = 1024
	if _, err := NewArgon2Hasher(weak); err == nil {
		t.Fatal("expected error for low memory")
	}
	weak = fastArgon
	weak.SaltLen = 8
	if _, err := NewArgon2Hasher(weak); err == nil {
		t.Fatal("expected error for short salt")
	}
}

func TestDefaultArgon2Params(t *testing.T) {
	p := DefaultArgon2Params()
	if p.MemoryKiB < 64*1024 || p.Time < 3 || p.Parallelism < 4 || p.KeyLen != 32 || p.SaltLen != 16 {
		t.Fatalf("defaults below reference strength: %+v", p)
	}
}
