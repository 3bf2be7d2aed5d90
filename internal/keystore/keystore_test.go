package keystore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/Hussein-Mazeh/keyvault/krypto"
)

func freshKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, krypto.KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return k
}

func TestNewStoreIsLocked(t *testing.T) {
	s := New()
	if !s.Locked() {
		t.Fatal("expected new store to be locked")
	}
	if _, err := s.Get(); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("expected ErrVaultLocked, got %v", err)
	}
	if err := s.With(func([]byte) error { return nil }); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("expected ErrVaultLocked from With, got %v", err)
	}
}

func TestSetGetClear(t *testing.T) {
	s := New()
	key := freshKey(t)
	want := append([]byte(nil), key...)

	if err := s.Set(key, "salt-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !bytes.Equal(key, make([]byte, krypto.KeySize)) {
		t.Fatal("expected caller's key slice to be wiped")
	}

	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("Get returned a different key")
	}

	s.Clear()
	if !s.Locked() {
		t.Fatal("expected store to be locked after Clear")
	}
	if _, err := s.Get(); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("expected ErrVaultLocked, got %v", err)
	}
	s.Clear()
}

func TestSetOverwrites(t *testing.T) {
	s := New()
	if err := s.Set(freshKey(t), "salt-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	second := freshKey(t)
	want := append([]byte(nil), second...)
	if err := s.Set(second, "salt-b"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("expected second key to replace the first")
	}
}

func TestSetRejectsWrongLength(t *testing.T) {
	s := New()
	if err := s.Set(make([]byte, 16), "salt-a"); !errors.Is(err, krypto.ErrKeyLength) {
		t.Fatalf("expected ErrKeyLength, got %v", err)
	}
	if !s.Locked() {
		t.Fatal("store must stay locked after rejected Set")
	}
}

func TestReplaceFailureKeepsCurrentKey(t *testing.T) {
	s := New()
	key := freshKey(t)
	want := append([]byte(nil), key...)
	if err := s.Set(key, "salt-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	boom := errors.New("rotation failed")
	if err := s.Replace(func() ([]byte, string, error) { return nil, "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected rotation error, got %v", err)
	}
	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("failed Replace must not change the key")
	}

	next := freshKey(t)
	wantNext := append([]byte(nil), next...)
	if err := s.Replace(func() ([]byte, string, error) { return next, "salt-b", nil }); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, _ = s.Get()
	if !bytes.Equal(got, wantNext) {
		t.Fatal("expected Replace to install the new key")
	}
}

func TestReplaceExcludesReaders(t *testing.T) {
	s := New()
	if err := s.Set(freshKey(t), "salt-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Replace(func() ([]byte, string, error) {
			close(entered)
			<-release
			k := make([]byte, krypto.KeySize)
			_, err := rand.Read(k)
			return k, "salt-b", err
		})
	}()
	<-entered

	readDone := make(chan struct{})
	go func() {
		_ = s.With(func([]byte) error { return nil })
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("reader ran while Replace held the lock")
	default:
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Replace: %v", err)
	}
	<-readDone
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				k := make([]byte, krypto.KeySize)
				_, _ = rand.Read(k)
				_ = s.Set(k, "salt-a")
				if j%7 == 0 {
					s.Clear()
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := s.With(func(k []byte) error {
					if len(k) != krypto.KeySize {
						t.Errorf("unexpected key length %d", len(k))
					}
					return nil
				})
				if err != nil && !errors.Is(err, ErrVaultLocked) {
					t.Errorf("With: %v", err)
				}
			}
		}()
	}
	wg.Wait()
}

func tagOf(t *testing.T, s *Store) string {
	t.Helper()
	var tag string
	if err := s.WithTag(func(_ []byte, got string) error {
		tag = got
		return nil
	}); err != nil {
		t.Fatalf("WithTag: %v", err)
	}
	return tag
}

func TestTagFollowsKey(t *testing.T) {
	s := New()
	if err := s.Set(freshKey(t), "salt-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := tagOf(t, s); got != "salt-a" {
		t.Fatalf("tag = %q, want salt-a", got)
	}

	if err := s.Replace(func() ([]byte, string, error) { return freshKey(t), "salt-b", nil }); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := tagOf(t, s); got != "salt-b" {
		t.Fatalf("tag after Replace = %q, want salt-b", got)
	}

	boom := errors.New("rotation failed")
	_ = s.Replace(func() ([]byte, string, error) { return nil, "salt-c", boom })
	if got := tagOf(t, s); got != "salt-b" {
		t.Fatalf("failed Replace changed tag to %q", got)
	}
}

func TestClearIfOnlyClearsMatchingTag(t *testing.T) {
	s := New()
	if s.ClearIf("salt-a") {
		t.Fatal("ClearIf on an empty store must report false")
	}
	if err := s.Set(freshKey(t), "salt-b"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if s.ClearIf("salt-a") {
		t.Fatal("ClearIf cleared a key with a different tag")
	}
	if s.Locked() {
		t.Fatal("newer key must survive a stale ClearIf")
	}

	if !s.ClearIf("salt-b") {
		t.Fatal("ClearIf did not clear a matching key")
	}
	if !s.Locked() {
		t.Fatal("expected store to be locked")
	}
}
