package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-invites/config"
	"github.com/Klingon-tech/klingnet-invites/internal/wallet"
)

// ErrNoWallet is returned when the wallet is enabled but the keystore has
// no wallet under the configured name.
var ErrNoWallet = errors.New("wallet not found")

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openWallet unlocks the configured keystore wallet. A disabled wallet
// yields an empty one that can sign nothing.
func openWallet(cfg *config.Config, password []byte) (*wallet.Wallet, error) {
	if !cfg.Wallet.Enabled {
		return wallet.New(), nil
	}
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return nil, err
	}
	if !ks.Exists(cfg.Wallet.Name) {
		return nil, fmt.Errorf("%w: %q in %s (create it with invites-cli wallet create)", ErrNoWallet, cfg.Wallet.Name, cfg.KeystoreDir())
	}
	w, err := ks.Unlock(cfg.Wallet.Name, password)
	if err != nil {
		return nil, fmt.Errorf("unlock wallet %q: %w", cfg.Wallet.Name, err)
	}
	return w, nil
}
