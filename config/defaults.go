package config

import "time"

// Default tuning values.
const (
	DefaultBatchSize    = 1000
	DefaultSyncInterval = 15 * time.Second
	DefaultMinedTimeout = 30 * time.Minute
)

// DefaultContracts returns the known contract deployments.
func DefaultContracts() map[string]ContractConfig {
	return map[string]ContractConfig{
		"ropsten": {
			ChainID: 3,
			Token:   "0xa46f1563984209fe47f8236f8b01a03f03f957e4",
			Invites: "0x33e16EFEA57968BC91fd5D9Db20068d5E4af5515",
		},
		"ganache": {
			ChainID: 1337,
			Token:   "0xB3E555c3dB7B983E46bf5a530ce1dac4087D2d8D",
			Invites: "0x44aDa120A88555bfA4c485C9F72CB4F0AdFEE45A",
		},
	}
}

// Default returns the default daemon configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Ledger: LedgerConfig{
			Endpoint: "ws://127.0.0.1:8546",
		},
		Contracts: DefaultContracts(),
		Sync: SyncConfig{
			BatchSize: DefaultBatchSize,
			Interval:  DefaultSyncInterval,
		},
		Invites: InvitesConfig{
			MinedTimeout: DefaultMinedTimeout,
		},
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30313,
			MaxPeers:   50,
			// Seeds are libp2p multiaddrs, e.g.
			//   "/ip4/203.0.113.1/tcp/30313/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Wallet: WalletConfig{
			Enabled: false,
			Name:    "default",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
