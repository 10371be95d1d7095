package wallet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// ErrAccountNotFound is returned when the wallet does not hold an address.
var ErrAccountNotFound = errors.New("wallet: account not found")

// Wallet holds unlocked ledger accounts in memory.
type Wallet struct {
	mu       sync.RWMutex
	master   *HDKey
	accounts map[common.Address]*crypto.PrivateKey
}

// New returns an empty wallet.
func New() *Wallet {
	return &Wallet{accounts: make(map[common.Address]*crypto.PrivateKey)}
}

// FromSeed unlocks a wallet and derives the first count accounts.
func FromSeed(seed []byte, count uint32) (*Wallet, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	w := New()
	w.master = master
	for i := uint32(0); i < count; i++ {
		if _, err := w.DeriveAccount(i); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// DeriveAccount derives and holds the account at index.
func (w *Wallet) DeriveAccount(index uint32) (common.Address, error) {
	if w.master == nil {
		return common.Address{}, fmt.Errorf("wallet has no seed")
	}
	k, err := w.master.DeriveAccount(index)
	if err != nil {
		return common.Address{}, err
	}
	pk, err := k.PrivateKey()
	if err != nil {
		return common.Address{}, err
	}
	return w.Import(pk), nil
}

// Import holds pk and returns its address.
func (w *Wallet) Import(pk *crypto.PrivateKey) common.Address {
	addr := pk.Address()
	w.mu.Lock()
	w.accounts[addr] = pk
	w.mu.Unlock()
	log.Wallet.Debug().Str("address", addr.Hex()).Msg("Account unlocked")
	return addr
}

// HasAccount reports whether addr is held.
func (w *Wallet) HasAccount(addr common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.accounts[addr]
	return ok
}

// Accounts lists held addresses in ascending order.
func (w *Wallet) Accounts() []common.Address {
	w.mu.RLock()
	out := make([]common.Address, 0, len(w.accounts))
	for a := range w.accounts {
		out = append(out, a)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// SignHash signs a 32-byte digest with addr's key. v is 0 or 1.
func (w *Wallet) SignHash(addr common.Address, hash []byte) ([]byte, error) {
	w.mu.RLock()
	pk, ok := w.accounts[addr]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr.Hex())
	}
	return pk.Sign(hash)
}

// Lock zeroes and forgets every key.
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for a, pk := range w.accounts {
		pk.Zero()
		delete(w.accounts, a)
	}
	w.master = nil
}
