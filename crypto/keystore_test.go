package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", "operator.keystore")

	if err := SaveToKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatal("loaded key differs from saved key")
	}
	if loaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatal("loaded key derives a different address")
	}

	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("expected passphrase rejection")
	}
}

func TestSaveToKeystoreValidatesInput(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := SaveToKeystore("", key, ""); err == nil {
		t.Fatal("expected empty path rejection")
	}
	if err := SaveToKeystore(filepath.Join(t.TempDir(), "k"), nil, ""); err == nil {
		t.Fatal("expected nil key rejection")
	}
}
