// Package config handles daemon configuration.
//
// Settings come from four layers, later ones winning: built-in defaults,
// the invitesd.conf file, INVITES_* environment variables and command-line
// flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	// Core
	DataDir string `conf:"datadir"`

	// Ledger endpoint
	Ledger LedgerConfig

	// Deployed contracts, keyed by network name
	Contracts map[string]ContractConfig

	// Event sync
	Sync SyncConfig

	// Stake transactions
	Invites InvitesConfig

	// P2P feed gossip
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// Wallet
	Wallet WalletConfig

	// Logging
	Log LogConfig
}

// LedgerConfig holds the ledger connection settings.
type LedgerConfig struct {
	Endpoint string `conf:"ledger.endpoint"` // http(s):// or ws(s):// JSON-RPC URL
}

// ContractConfig holds the contracts deployed on one network. File keys are
// contracts.<name>.chain_id, .token, .invites and .creation_block.
type ContractConfig struct {
	ChainID       uint64
	Token         string
	Invites       string
	CreationBlock uint64 // 0 = ask the contract
}

// SyncConfig holds historical replay settings.
type SyncConfig struct {
	BatchSize uint64        `conf:"sync.batch_size"`
	Interval  time.Duration `conf:"sync.interval"` // network change poll
}

// InvitesConfig holds stake transaction settings.
type InvitesConfig struct {
	MinedTimeout time.Duration `conf:"invites.mined_timeout"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	Enabled bool   `conf:"wallet.enabled"`
	Name    string `conf:"wallet.name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// ContractTable converts the configured contracts into the lookup table
// used by the invite engine.
func (c *Config) ContractTable() ledger.ContractTable {
	table := make(ledger.ContractTable, len(c.Contracts))
	for name, cc := range c.Contracts {
		table[cc.ChainID] = ledger.ContractSet{
			Name:          name,
			Token:         common.HexToAddress(cc.Token),
			Invites:       common.HexToAddress(cc.Invites),
			CreationBlock: cc.CreationBlock,
		}
	}
	return table
}

// ContractNames lists the configured networks in order.
func (c *Config) ContractNames() []string {
	names := make([]string, 0, len(c.Contracts))
	for name := range c.Contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.invitesd
//	macOS:   ~/Library/Application Support/Invitesd
//	Windows: %APPDATA%\Invitesd
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".invitesd"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Invitesd")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Invitesd")
		}
		return filepath.Join(home, "AppData", "Roaming", "Invitesd")
	default:
		return filepath.Join(home, ".invitesd")
	}
}

// DBDir returns the identity and feed database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.DataDir, "keystore")
}

// P2PKeyFile returns the path of the persistent libp2p identity key.
func (c *Config) P2PKeyFile() string {
	return filepath.Join(c.DataDir, "p2p.key")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "invitesd.conf")
}
