package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are the settings that may come from INVITES_* environment
// variables. Unset variables leave the config untouched.
type EnvOverrides struct {
	DataDir        *string        `env:"INVITES_DATADIR"`
	LedgerEndpoint *string        `env:"INVITES_LEDGER_ENDPOINT"`
	BatchSize      *uint64        `env:"INVITES_SYNC_BATCH_SIZE"`
	SyncInterval   *time.Duration `env:"INVITES_SYNC_INTERVAL"`
	MinedTimeout   *time.Duration `env:"INVITES_MINED_TIMEOUT"`
	P2PSeeds       []string       `env:"INVITES_P2P_SEEDS" envSeparator:","`
	RPCAddr        *string        `env:"INVITES_RPC_ADDR"`
	RPCPort        *int           `env:"INVITES_RPC_PORT"`
	WalletName     *string        `env:"INVITES_WALLET"`
	LogLevel       *string        `env:"INVITES_LOG_LEVEL"`
	LogFile        *string        `env:"INVITES_LOG_FILE"`
	LogJSON        *bool          `env:"INVITES_LOG_JSON"`
}

// ParseEnv reads the INVITES_* variables of the process environment.
func ParseEnv() (*EnvOverrides, error) {
	return parseEnv(env.Options{})
}

func parseEnv(opts env.Options) (*EnvOverrides, error) {
	var o EnvOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &o, nil
}

// ApplyEnv applies environment overrides to cfg.
func ApplyEnv(cfg *Config, o *EnvOverrides) {
	if o.DataDir != nil {
		cfg.DataDir = *o.DataDir
	}
	if o.LedgerEndpoint != nil {
		cfg.Ledger.Endpoint = *o.LedgerEndpoint
	}
	if o.BatchSize != nil {
		cfg.Sync.BatchSize = *o.BatchSize
	}
	if o.SyncInterval != nil {
		cfg.Sync.Interval = *o.SyncInterval
	}
	if o.MinedTimeout != nil {
		cfg.Invites.MinedTimeout = *o.MinedTimeout
	}
	if len(o.P2PSeeds) > 0 {
		cfg.P2P.Seeds = o.P2PSeeds
	}
	if o.RPCAddr != nil {
		cfg.RPC.Addr = *o.RPCAddr
	}
	if o.RPCPort != nil {
		cfg.RPC.Port = *o.RPCPort
	}
	if o.WalletName != nil {
		cfg.Wallet.Enabled = true
		cfg.Wallet.Name = *o.WalletName
	}
	if o.LogLevel != nil {
		cfg.Log.Level = *o.LogLevel
	}
	if o.LogFile != nil {
		cfg.Log.File = *o.LogFile
	}
	if o.LogJSON != nil {
		cfg.Log.JSON = *o.LogJSON
	}
}
