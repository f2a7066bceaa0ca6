// Package crypto stores the zeppayd wallet key in Ethereum v3 keystore files.
package crypto

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// GenerateKey creates a fresh secp256k1 wallet key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return gethcrypto.GenerateKey()
}

// SaveToKeystore writes key to an Ethereum v3 keystore file at path and returns its address.
// The parent directory is created with 0700 permissions.
func SaveToKeystore(path string, key *ecdsa.PrivateKey, passphrase string) (common.Address, error) {
	return save(path, key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

func save(path string, key *ecdsa.PrivateKey, passphrase string, scryptN, scryptP int) (common.Address, error) {
	if key == nil {
		return common.Address{}, errors.New("crypto: nil private key")
	}
	if path == "" {
		return common.Address{}, errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return common.Address{}, err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return common.Address{}, err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, scryptN, scryptP)
	account, err := ks.ImportECDSA(key, passphrase)
	if err != nil {
		return common.Address{}, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return common.Address{}, err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return common.Address{}, err
	}
	return account.Address, os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts the keystore file at path.
func LoadFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// KeystoreAddress reads the address recorded in a keystore file without decrypting it.
func KeystoreAddress(path string) (common.Address, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err != nil {
		return common.Address{}, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	if !common.IsHexAddress(header.Address) {
		return common.Address{}, fmt.Errorf("crypto: keystore address %q invalid", header.Address)
	}
	return common.HexToAddress(header.Address), nil
}
