package config

import (
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Ledger.Endpoint == "" {
		return fmt.Errorf("ledger.endpoint is required")
	}
	u, err := url.Parse(cfg.Ledger.Endpoint)
	if err != nil {
		return fmt.Errorf("ledger.endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss", "":
	default:
		return fmt.Errorf("ledger.endpoint scheme %q not supported", u.Scheme)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = DefaultBatchSize
	}
	if cfg.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if cfg.Invites.MinedTimeout <= 0 {
		return fmt.Errorf("invites.mined_timeout must be positive")
	}
	if cfg.Wallet.Enabled && cfg.Wallet.Name == "" {
		return fmt.Errorf("wallet.name is required when the wallet is enabled")
	}
	return validateContracts(cfg.Contracts)
}

func validateContracts(contracts map[string]ContractConfig) error {
	seen := make(map[uint64]string, len(contracts))
	for _, name := range sortedNames(contracts) {
		cc := contracts[name]
		if cc.ChainID == 0 {
			return fmt.Errorf("contracts.%s.chain_id is required", name)
		}
		if other, ok := seen[cc.ChainID]; ok {
			return fmt.Errorf("contracts.%s and contracts.%s share chain ID %d", other, name, cc.ChainID)
		}
		seen[cc.ChainID] = name
		if !common.IsHexAddress(cc.Token) {
			return fmt.Errorf("contracts.%s.token must be a hex address", name)
		}
		if !common.IsHexAddress(cc.Invites) {
			return fmt.Errorf("contracts.%s.invites must be a hex address", name)
		}
	}
	return nil
}

func sortedNames(contracts map[string]ContractConfig) []string {
	return (&Config{Contracts: contracts}).ContractNames()
}
