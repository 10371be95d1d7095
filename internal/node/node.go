// Package node provides a reusable invites node that can be embedded
// in any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/config"
	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/invites"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/internal/p2p"
	"github.com/Klingon-tech/klingnet-invites/internal/rpc"
	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/Klingon-tech/klingnet-invites/internal/wallet"
)

// Database key prefixes of the node's components.
var (
	prefixIdentity = []byte("id/")
	prefixFeed     = []byte("feed/")
	prefixP2P      = []byte("p2p/")
)

// Options carries what cannot come from the config file.
type Options struct {
	// WalletPassword unlocks the keystore when the wallet is enabled.
	WalletPassword []byte
	// Ledger replaces the gateway dialed from cfg.Ledger.Endpoint.
	Ledger ledger.Gateway
}

// Node is a fully-initialized invites node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Storage
	db    storage.DB
	store *identity.Store
	feeds rpc.FeedStore

	// Ledger
	wallet      *wallet.Wallet
	gateway     ledger.Gateway
	closeLedger func()
	contracts   ledger.ContractTable

	// Invite engine
	notifier *notify.Notifier
	machine  *invites.StateMachine
	coord    *invites.Coordinator
	bridge   *invites.Bridge
	service  *invites.Service

	// Networking
	p2pNode   *p2p.Node
	rpcServer *rpc.Server

	// Sync cycle state, written by the sync loop.
	mu      sync.Mutex
	network ledger.Network

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It opens storage, unlocks the
// wallet, connects to the ledger and prepares P2P and RPC, but does NOT
// start background work. Call Start() for that.
func New(cfg *config.Config, opts Options) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "invitesd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	contracts := cfg.ContractTable()
	logger.Info().
		Str("ledger", cfg.Ledger.Endpoint).
		Strs("networks", cfg.ContractNames()).
		Msg("Starting invites node")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	logger.Info().Str("path", cfg.DBDir()).Msg("Database opened")

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     identity.NewStore(storage.NewPrefixDB(db, prefixIdentity)),
		contracts: contracts,
		notifier:  notify.New(notify.DefaultBuffer),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	fail := func(err error) (*Node, error) {
		n.close()
		return nil, err
	}

	// ── 3. Wallet ───────────────────────────────────────────────────
	n.wallet, err = openWallet(cfg, opts.WalletPassword)
	if err != nil {
		return fail(err)
	}
	if cfg.Wallet.Enabled {
		logger.Info().Str("wallet", cfg.Wallet.Name).Int("accounts", len(n.wallet.Accounts())).Msg("Wallet unlocked")
	}

	// ── 4. Ledger ───────────────────────────────────────────────────
	if opts.Ledger != nil {
		n.gateway = opts.Ledger
	} else {
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		eth, err := ledger.DialEth(ctx, ledger.EthConfig{
			Endpoint:     cfg.Ledger.Endpoint,
			Contracts:    contracts,
			MinedTimeout: cfg.Invites.MinedTimeout,
		}, n.wallet)
		cancel()
		if err != nil {
			return fail(err)
		}
		n.gateway = eth
		n.closeLedger = eth.Close
	}

	// ── 5. Feed store + P2P ─────────────────────────────────────────
	local := feed.NewLocalStore(storage.NewPrefixDB(db, prefixFeed))
	n.feeds = local
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DHTServer:  cfg.P2P.DHTServer,
			DB:         storage.NewPrefixDB(db, prefixP2P),
			KeyFile:    cfg.P2PKeyFile(),
		})
		gossip := feed.NewGossipStore(local, n.p2pNode)
		n.p2pNode.SetFeedHandler(gossip.HandleMessage)
		n.feeds = gossip
	}

	// ── 6. Invite engine ────────────────────────────────────────────
	batchSize := cfg.Sync.BatchSize
	if batchSize == 0 {
		batchSize = invites.DefaultBatchSize
	}
	n.machine = invites.NewStateMachine(n.store, n.gateway, n.feeds, n.wallet, n.notifier)
	n.coord = invites.NewCoordinator(n.store, n.gateway, n.feeds, n.notifier)
	synchronizer := invites.NewSynchronizer(n.store, n.gateway, n.machine, contracts, batchSize)
	n.bridge = invites.NewBridge(n.gateway, n.machine)
	n.service = invites.NewService(n.store, n.gateway, contracts, synchronizer, n.bridge)
	n.notifier.AddSubscription("live-events", n.bridge.Close)

	// ── 7. RPC ──────────────────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr := net.JoinHostPort(cfg.RPC.Addr, strconv.Itoa(cfg.RPC.Port))
		backend := rpc.Backend{
			Store:       n.store,
			Machine:     n.machine,
			Coordinator: n.coord,
			Ledger:      n.gateway,
			Contracts:   contracts,
			Feeds:       n.feeds,
			Notifier:    n.notifier,
			Bridge:      n.bridge,
		}
		if cfg.Wallet.Enabled {
			backend.Accounts = n.wallet
		}
		if n.p2pNode != nil {
			backend.P2P = n.p2pNode
		}
		n.rpcServer = rpc.New(addr, backend, cfg.RPC)
	}

	return n, nil
}

// Start starts P2P and RPC, runs the initial setup and launches the sync
// loop. An unsupported network is logged, not returned.
func (n *Node) Start() error {
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		n.logger.Info().Str("id", n.p2pNode.ID().String()).Strs("addrs", n.p2pNode.Addrs()).Msg("P2P started")
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
	}

	n.syncCycle()
	network := n.Network()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runSyncLoop()
	}()

	n.logger.Info().
		Str("network", network.Name).
		Int("live", n.bridge.Attached()).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
	n.close()
	n.logger.Info().Msg("Goodbye!")
}

// close releases everything New acquired.
func (n *Node) close() {
	n.cancel()
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.notifier != nil {
		// Also closes the live subscriptions.
		n.notifier.Close()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.closeLedger != nil {
		n.closeLedger()
	}
	if n.wallet != nil {
		n.wallet.Lock()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Network returns the ledger network seen by the last sync cycle.
func (n *Node) Network() ledger.Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.network
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	interval := n.cfg.Sync.Interval
	if interval <= 0 {
		interval = config.DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.syncCycle()
		}
	}
}

// syncCycle replays every own user from their checkpoints and re-attaches
// any live subscription that is missing. A network switch first tears down
// the live subscriptions of the old network.
func (n *Node) syncCycle() {
	cur, err := n.gateway.Network(n.ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Ledger network unavailable")
		return
	}

	changed := cur.ID != n.network.ID
	if changed {
		if n.network.ID != 0 {
			n.logger.Info().Str("from", n.network.Name).Str("to", cur.Name).Msg("Ledger network changed")
			n.service.Teardown()
		}
		n.mu.Lock()
		n.network = cur
		n.mu.Unlock()
	}

	if err := n.service.Setup(n.ctx); err != nil {
		if errors.Is(err, invites.ErrUnsupportedNetwork) {
			if changed {
				n.logger.Warn().Str("network", cur.Name).Msg("No invites contract on this network")
			}
			return
		}
		// Failed users are retried on the next cycle.
		n.logger.Error().Err(err).Msg("Invites setup failed")
	}
}
