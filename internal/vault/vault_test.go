package vault

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestEmptyPassphraseRejected(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	v := newTestVault(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	sealed, err := v.SealBytes(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}

	opened, err := v.OpenBytes(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	v := newTestVault(t, "test-passphrase")
	creds := map[string]string{"token": "123:ABC", "app_secret": "xyz"}

	text, err := v.SealCredentials(creds)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(text, "123:ABC") {
		t.Fatal("sealed text leaks credential")
	}

	// A fresh vault from the same passphrase opens it.
	opened, err := newTestVault(t, "test-passphrase").OpenCredentials(text)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(opened) != 2 || opened["token"] != "123:ABC" || opened["app_secret"] != "xyz" {
		t.Errorf("unexpected credentials %v", opened)
	}
}

func TestWrongPassphrase(t *testing.T) {
	text, err := newTestVault(t, "correct-passphrase").SealCredentials(map[string]string{"token": "t"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := newTestVault(t, "wrong-passphrase").OpenCredentials(text); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestNonceIsRandom(t *testing.T) {
	v := newTestVault(t, "test")
	a, _ := v.SealBytes([]byte("same"))
	b, _ := v.SealBytes([]byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext should differ")
	}
}

func TestOpenTruncated(t *testing.T) {
	v := newTestVault(t, "test")
	if _, err := v.OpenBytes([]byte{1, 2, 3}); !errors.Is(err, ErrSealedTooShort) {
		t.Fatalf("expected ErrSealedTooShort, got %v", err)
	}
}
