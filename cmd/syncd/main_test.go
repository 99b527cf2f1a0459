package main

import (
	"strings"
	"testing"

	"github.com/bakaboard/sync_layer/internal/secrets"
)

func TestEncryptCredentialRoundTrip(t *testing.T) {
	var out strings.Builder
	if err := encryptCredential(strings.NewReader("tajneheslo\n"), &out, "master-key"); err != nil {
		t.Fatalf("encryptCredential: %v", err)
	}

	sealed := strings.TrimSpace(out.String())
	if !secrets.IsEncrypted(sealed) {
		t.Fatalf("output is not a sealed credential: %q", sealed)
	}
	plain, err := secrets.Decrypt(sealed, "master-key")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "tajneheslo" {
		t.Fatalf("round-trip = %q, want %q", plain, "tajneheslo")
	}
}

func TestEncryptCredentialRequiresKey(t *testing.T) {
	var out strings.Builder
	if err := encryptCredential(strings.NewReader("secret"), &out, ""); err == nil {
		t.Fatal("expected an error without the passphrase")
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be written without a passphrase, got %q", out.String())
	}
}

func TestEncryptCredentialRejectsEmptyInput(t *testing.T) {
	var out strings.Builder
	if err := encryptCredential(strings.NewReader("\n"), &out, "master-key"); err == nil {
		t.Fatal("expected an error for an empty credential")
	}
}
