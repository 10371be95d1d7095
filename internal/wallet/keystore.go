package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrWalletExists is returned when creating a wallet under a taken name.
var ErrWalletExists = errors.New("wallet: already exists")

// keystoreFile is the on-disk JSON form of an encrypted wallet.
type keystoreFile struct {
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	EncryptedSeed []byte         `json:"encrypted_seed"`
	Accounts      []AccountEntry `json:"accounts"`
}

// AccountEntry records a derived account.
type AccountEntry struct {
	Index   uint32 `json:"index"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Keystore stores encrypted wallets as files in a directory.
type Keystore struct {
	dir string
}

// NewKeystore opens (creating if needed) the keystore directory.
func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir}, nil
}

func (ks *Keystore) path(name string) string {
	return filepath.Join(ks.dir, name+".wallet")
}

// Exists reports whether a wallet with name exists.
func (ks *Keystore) Exists(name string) bool {
	_, err := os.Stat(ks.path(name))
	return err == nil
}

// Create writes a new wallet holding seed encrypted under password.
func (ks *Keystore) Create(name string, seed, password []byte, params EncryptionParams) error {
	if ks.Exists(name) {
		return fmt.Errorf("%w: %q", ErrWalletExists, name)
	}
	sealed, err := Encrypt(seed, password, params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}
	return ks.write(name, &keystoreFile{
		Version:       1,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: sealed,
		Accounts:      []AccountEntry{},
	})
}

// Load decrypts a wallet's seed.
func (ks *Keystore) Load(name string, password []byte) ([]byte, error) {
	kf, err := ks.read(name)
	if err != nil {
		return nil, err
	}
	seed, err := Decrypt(kf.EncryptedSeed, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet: %w", err)
	}
	return seed, nil
}

// Unlock loads a wallet and derives every recorded account, or the first
// account when none is recorded yet.
func (ks *Keystore) Unlock(name string, password []byte) (*Wallet, error) {
	seed, err := ks.Load(name, password)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	w, err := FromSeed(seed, 0)
	if err != nil {
		return nil, err
	}
	accts, err := ks.ListAccounts(name)
	if err != nil {
		return nil, err
	}
	if len(accts) == 0 {
		addr, err := w.DeriveAccount(0)
		if err != nil {
			return nil, err
		}
		if err := ks.AddAccount(name, AccountEntry{Index: 0, Name: "default", Address: addr.Hex()}); err != nil {
			return nil, err
		}
		return w, nil
	}
	for _, a := range accts {
		addr, err := w.DeriveAccount(a.Index)
		if err != nil {
			return nil, err
		}
		if a.Address != "" && a.Address != addr.Hex() {
			return nil, fmt.Errorf("account %d derives %s, keystore records %s", a.Index, addr.Hex(), a.Address)
		}
	}
	return w, nil
}

// AddAccount records an account. Re-adding the same index and address is a no-op.
func (ks *Keystore) AddAccount(name string, acct AccountEntry) error {
	kf, err := ks.read(name)
	if err != nil {
		return err
	}
	for _, e := range kf.Accounts {
		if e.Index == acct.Index {
			if e.Address == acct.Address {
				return nil
			}
			return fmt.Errorf("account index %d already recorded", acct.Index)
		}
	}
	kf.Accounts = append(kf.Accounts, acct)
	return ks.write(name, kf)
}

// ListAccounts returns a wallet's recorded accounts.
func (ks *Keystore) ListAccounts(name string) ([]AccountEntry, error) {
	kf, err := ks.read(name)
	if err != nil {
		return nil, err
	}
	return kf.Accounts, nil
}

// List returns the names of stored wallets.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if n := e.Name(); !e.IsDir() && filepath.Ext(n) == ".wallet" {
			names = append(names, n[:len(n)-len(".wallet")])
		}
	}
	return names, nil
}

func (ks *Keystore) write(name string, kf *keystoreFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	if err := os.WriteFile(ks.path(name), data, 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}

func (ks *Keystore) read(name string) (*keystoreFile, error) {
	data, err := os.ReadFile(ks.path(name))
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if kf.Version != 1 {
		return nil, fmt.Errorf("unsupported wallet version: %d", kf.Version)
	}
	return &kf, nil
}
