package service

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
	"github.com/Hussein-Mazeh/keyvault/internal/vault"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

func TestChangePasswordRekeysAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t)

	acct, err := f.svc.CreateAccount(ctx, AccountInput{
		Email:      "alice@example.com",
		Password:   "alice-pw",
		TOTPSecret: "JBSWY3DPEHPK3PXP",
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	noTOTP, err := f.svc.CreateAccount(ctx, AccountInput{Email: "bob@example.com", Password: "bob-pw"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := f.svc.ChangePassword(ctx, goodPassword, nextPassword); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	cfg, err := vault.LoadConfig(ctx, f.db)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	row, err := db.GetAccount(ctx, f.db, acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}

	newKey, err := krypto.DeriveKeyScrypt([]byte(nextPassword), cfg.Salt, testScrypt)
	if err != nil {
		t.Fatalf("DeriveKeyScrypt: %v", err)
	}
	plain, err := krypto.Open(newKey, row.PasswordEncrypted)
	if err != nil || string(plain) != "alice-pw" {
		t.Fatalf("new key must open rekeyed password, got %q err=%v", plain, err)
	}
	plain, err = krypto.Open(newKey, row.TOTPSecretEncrypted)
	if err != nil || string(plain) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("new key must open rekeyed totp, got %q err=%v", plain, err)
	}

	staleKey, err := krypto.DeriveKeyScrypt([]byte(goodPassword), cfg.Salt, testScrypt)
	if err != nil {
		t.Fatalf("DeriveKeyScrypt: %v", err)
	}
	if _, err := krypto.Open(staleKey, row.PasswordEncrypted); !errors.Is(err, krypto.ErrIntegrity) {
		t.Fatalf("old password with new salt must not decrypt, got %v", err)
	}

	bob, err := db.GetAccount(ctx, f.db, noTOTP.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if len(bob.TOTPSecretEncrypted) != 0 {
		t.Fatal("empty blobs must stay empty through rotation")
	}

	// The held key is now the new one.
	if got, err := f.svc.RevealPassword(ctx, acct.ID); err != nil || got != "alice-pw" {
		t.Fatalf("RevealPassword after rotation: %q err=%v", got, err)
	}

	if _, err := f.svc.Login(ctx, goodPassword); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.svc.Login(ctx, nextPassword); err != nil {
		t.Fatalf("new password must log in: %v", err)
	}
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	f := newFixture(t)
	f.setup(t)
	if err := f.svc.ChangePassword(context.Background(), "WrongPass1", nextPassword); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestChangePasswordRejectsWeakNext(t *testing.T) {
	f := newFixture(t)
	f.setup(t)
	if err := f.svc.ChangePassword(context.Background(), goodPassword, "weak"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestChangePasswordNotInitialized(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ChangePassword(context.Background(), goodPassword, nextPassword); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestChangePasswordRollsBackOnCorruptBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t)

	good, err := f.svc.CreateAccount(ctx, AccountInput{Email: "good@example.com", Password: "good-pw"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	goodBefore, err := db.GetAccount(ctx, f.db, good.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}

	corrupt := make([]byte, krypto.MinBlobSize+8)
	if _, err := rand.Read(corrupt); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if err := db.InsertAccount(ctx, f.db, &db.AccountRow{ID: "zz-corrupt", Email: "zz@example.com", PasswordEncrypted: corrupt}); err != nil {
		t.Fatalf("InsertAccount: %v", err)
	}

	cfgBefore, err := vault.LoadConfig(ctx, f.db)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	keyBefore, err := f.keys.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	err = f.svc.ChangePassword(ctx, goodPassword, nextPassword)
	if !errors.Is(err, krypto.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity from corrupt record, got %v", err)
	}

	cfgAfter, err := vault.LoadConfig(ctx, f.db)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfgAfter.PasswordHash != cfgBefore.PasswordHash || string(cfgAfter.Salt) != string(cfgBefore.Salt) {
		t.Fatal("stored hash and salt must be unchanged after a failed rotation")
	}
	goodAfter, err := db.GetAccount(ctx, f.db, good.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if string(goodAfter.PasswordEncrypted) != string(goodBefore.PasswordEncrypted) {
		t.Fatal("records rewritten before the failure must be rolled back")
	}
	keyAfter, err := f.keys.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(keyAfter) != string(keyBefore) {
		t.Fatal("held key must be unchanged after a failed rotation")
	}
	if got, err := f.svc.RevealPassword(ctx, good.ID); err != nil || got != "good-pw" {
		t.Fatalf("vault must keep working under the old key: %q err=%v", got, err)
	}
	if _, err := f.svc.Login(ctx, goodPassword); err != nil {
		t.Fatalf("old password must still log in: %v", err)
	}
}

func TestChangePasswordSkipsDeletedAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t)

	gone, err := f.svc.CreateAccount(ctx, AccountInput{Email: "gone@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	before, _ := db.GetAccount(ctx, f.db, gone.ID)
	if err := f.svc.DeleteAccount(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	if err := f.svc.ChangePassword(ctx, goodPassword, nextPassword); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	after, _ := db.GetAccount(ctx, f.db, gone.ID)
	if string(after.PasswordEncrypted) != string(before.PasswordEncrypted) {
		t.Fatal("soft-deleted accounts are not re-encrypted")
	}
}

func TestChangePasswordBlocksConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t)

	var ids []string
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		a, err := f.svc.CreateAccount(ctx, AccountInput{Email: email, Password: "pw-" + email})
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		ids = append(ids, a.ID)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.svc.ChangePassword(ctx, goodPassword, nextPassword); err != nil {
			t.Errorf("ChangePassword: %v", err)
		}
	}()

	// Every read sees either the old key with old blobs or the new key with
	// new blobs, never a mix.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				for _, id := range ids {
					if _, err := f.svc.RevealPassword(ctx, id); err != nil {
						t.Errorf("RevealPassword during rotation: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestRotationByAnotherProcessLocksStaleKey(t *testing.T) {
	ctx := context.Background()
	daemon := newFixture(t)
	daemon.setup(t)

	alice, err := daemon.svc.CreateAccount(ctx, AccountInput{Email: "alice@example.com", Password: "alice-pw"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	cli := daemon.otherProcess(t)
	if err := cli.svc.ChangePassword(ctx, goodPassword, nextPassword); err != nil {
		t.Fatalf("ChangePassword in other process: %v", err)
	}

	// The daemon still holds the key for the old salt. It must refuse to
	// seal under it and drop it.
	_, err = daemon.svc.CreateAccount(ctx, AccountInput{Email: "bob@example.com", Password: "bob-pw"})
	if !errors.Is(err, keystore.ErrVaultLocked) {
		t.Fatalf("expected ErrVaultLocked from the stale key, got %v", err)
	}
	if !daemon.keys.Locked() {
		t.Fatal("expected the stale key to be cleared")
	}
	rows, err := db.ListAccounts(ctx, cli.db, false)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected nothing written under the stale key, got %d rows", len(rows))
	}

	if _, err := daemon.svc.Login(ctx, goodPassword); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}
	if _, err := daemon.svc.Login(ctx, nextPassword); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
	if got, err := daemon.svc.RevealPassword(ctx, alice.ID); err != nil || got != "alice-pw" {
		t.Fatalf("expected alice-pw after re-login, got %q err=%v", got, err)
	}
	bob, err := daemon.svc.CreateAccount(ctx, AccountInput{Email: "bob@example.com", Password: "bob-pw"})
	if err != nil {
		t.Fatalf("CreateAccount after re-login: %v", err)
	}

	// Both processes now agree on the key.
	if _, err := cli.svc.Login(ctx, nextPassword); err != nil {
		t.Fatalf("Login in other process: %v", err)
	}
	if got, err := cli.svc.RevealPassword(ctx, bob.ID); err != nil || got != "bob-pw" {
		t.Fatalf("expected bob-pw from the other process, got %q err=%v", got, err)
	}
}

func TestRekeyAllRefusesChangedSalt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t)

	cfg, err := vault.LoadConfig(ctx, f.db)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	staleSalt, err := krypto.NewRandomSalt()
	if err != nil {
		t.Fatalf("NewRandomSalt: %v", err)
	}
	newSalt, err := krypto.NewRandomSalt()
	if err != nil {
		t.Fatalf("NewRandomSalt: %v", err)
	}
	key := make([]byte, krypto.KeySize)

	_, err = rekeyAll(ctx, f.db, staleSalt, key, key, "$argon2id$other", newSalt)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	after, err := vault.LoadConfig(ctx, f.db)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if after.PasswordHash != cfg.PasswordHash || string(after.Salt) != string(cfg.Salt) {
		t.Fatal("stored credentials must be untouched")
	}
}
