package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	if strings.HasPrefix(key, "contracts.") {
		return setContractValue(cfg, strings.TrimPrefix(key, "contracts."), value)
	}

	switch key {
	// Core
	case "datadir":
		cfg.DataDir = value

	// Ledger
	case "ledger.endpoint", "ledger":
		cfg.Ledger.Endpoint = value

	// Sync
	case "sync.batch_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Sync.BatchSize = n
	case "sync.interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Sync.Interval = d

	// Invites
	case "invites.mined_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Invites.MinedTimeout = d

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxPeers = n
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Wallet
	case "wallet.enabled", "wallet":
		cfg.Wallet.Enabled = parseBool(value)
	case "wallet.name":
		cfg.Wallet.Name = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// setContractValue handles contracts.<name>.<field> keys.
func setContractValue(cfg *Config, rest, value string) error {
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return fmt.Errorf("expected contracts.<network>.<field>")
	}
	name, field := rest[:dot], rest[dot+1:]
	if cfg.Contracts == nil {
		cfg.Contracts = make(map[string]ContractConfig)
	}
	cc := cfg.Contracts[name]
	switch field {
	case "chain_id":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cc.ChainID = n
	case "token":
		cc.Token = value
	case "invites":
		cc.Invites = value
	case "creation_block":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cc.CreationBlock = n
	default:
		return fmt.Errorf("unknown contract field %q", field)
	}
	cfg.Contracts[name] = cc
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string) error {
	content := `# invitesd configuration

# Data directory (default: ~/.invitesd)
# datadir = ~/.invitesd

# ============================================================================
# Ledger
# ============================================================================

# JSON-RPC endpoint. Use ws:// or wss:// to receive invite events live;
# http:// endpoints only replay history each sync interval.
ledger.endpoint = ws://127.0.0.1:8546

# ============================================================================
# Contracts (one block per network)
# ============================================================================

contracts.ropsten.chain_id = 3
contracts.ropsten.token = 0xa46f1563984209fe47f8236f8b01a03f03f957e4
contracts.ropsten.invites = 0x33e16EFEA57968BC91fd5D9Db20068d5E4af5515
# contracts.ropsten.creation_block = 0

contracts.ganache.chain_id = 1337
contracts.ganache.token = 0xB3E555c3dB7B983E46bf5a530ce1dac4087D2d8D
contracts.ganache.invites = 0x44aDa120A88555bfA4c485C9F72CB4F0AdFEE45A

# ============================================================================
# Sync
# ============================================================================

sync.batch_size = 1000
sync.interval = 15s
invites.mined_timeout = 30m

# ============================================================================
# P2P Network (feed gossip)
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = 30313
p2p.maxpeers = 50

# Seed nodes (comma-separated libp2p multiaddrs)
# p2p.seeds =

# Disable mDNS and DHT discovery
# p2p.nodiscover = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = 8555
rpc.allowed = 127.0.0.1
# rpc.cors = http://localhost:3000

# ============================================================================
# Wallet
# ============================================================================

wallet.enabled = false
# wallet.name = default

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
