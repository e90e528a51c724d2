package crypto

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SaveToKeystore encrypts the operator key with the passphrase and writes it
// as an Ethereum v3 keystore file. Parent directories are created 0700, the
// file 0600.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	record := &keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}
	encrypted, err := keystore.EncryptKey(record, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied
// passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{decrypted.PrivateKey}, nil
}
