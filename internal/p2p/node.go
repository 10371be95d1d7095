// Package p2p carries feed entries between invite nodes over libp2p.
//
// Every node joins a single GossipSub topic on which signed feed entries are
// broadcast. Peers are found through seeds, mDNS on the local network and a
// Kademlia DHT rendezvous; peers that keep sending malformed entries are
// scored and banned.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// DefaultRendezvous is the discovery namespace shared by invite nodes.
	DefaultRendezvous = "klingnet-invites"

	dhtDiscoveryInterval = 30 * time.Second
	seedRetryInterval    = 10 * time.Second
	seedConnectTimeout   = 10 * time.Second
	peerConnectTimeout   = 5 * time.Second
)

// ErrNotStarted is returned by operations that need a running host.
var ErrNotStarted = errors.New("p2p node not started")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool

	// DB persists known peers and bans. Nil disables persistence.
	DB storage.DB
	// KeyFile holds the node identity. Empty means a fresh identity per run.
	KeyFile string
	// Rendezvous overrides DefaultRendezvous, isolating discovery.
	Rendezvous string
}

// Node is a libp2p host that gossips feed entries.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicFeed   *pubsub.Topic
	subFeed     *pubsub.Subscription
	feedHandler FeedHandler

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	Bans       *BanManager
	peerBook   *PeerBook
	dht        *dht.IpfsDHT
	mdns       mdns.Service
	connNotify *connNotifier
	wg         sync.WaitGroup
}

// New creates a P2P node. Nothing listens until Start.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
	}
	var bans *BanStore
	if cfg.DB != nil {
		n.peerBook = NewPeerBook(cfg.DB)
		bans = NewBanStore(cfg.DB)
	}
	n.Bans = NewBanManager(bans, n)
	return n
}

func (n *Node) rendezvous() string {
	if n.config.Rendezvous != "" {
		return n.config.Rendezvous
	}
	return DefaultRendezvous
}

// listenAddr builds the TCP multiaddr the host binds to.
func (n *Node) listenAddr() (ma.Multiaddr, error) {
	ip := n.config.ListenAddr
	if ip == "" {
		ip = "0.0.0.0"
	}
	proto := "ip4"
	if strings.Contains(ip, ":") {
		proto = "ip6"
	}
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, ip, n.config.Port))
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	return addr, nil
}

// Start brings up the host, joins the feed topic and starts discovery.
func (n *Node) Start() error {
	addr, err := n.listenAddr()
	if err != nil {
		return err
	}
	n.Bans.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.ConnectionGater(&banGater{bans: n.Bans}),
	}
	if n.config.KeyFile != "" {
		priv, err := loadOrCreateIdentity(n.config.KeyFile)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(MaxFeedMessageSize))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinFeedTopic(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	n.goLoop(n.readFeedLoop)
	n.goLoop(n.reconnectKnownPeers)

	if len(n.config.Seeds) > 0 {
		log.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	n.goLoop(n.connectSeedsLoop)

	if !n.config.NoDiscover {
		n.startMDNS()
		n.goLoop(n.runDHTDiscovery)
	}
	if n.peerBook != nil {
		n.goLoop(n.runPersistLoop)
	}
	n.goLoop(func() { n.Bans.RunPruneLoop(n.ctx.Done()) })

	log.P2P.Info().Str("id", h.ID().String()).Strs("addrs", n.Addrs()).Msg("P2P node started")
	return nil
}

func (n *Node) goLoop(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop persists known peers and shuts the host down. Stop on a node that
// never started is a no-op.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subFeed != nil {
		n.subFeed.Cancel()
	}
	if n.topicFeed != nil {
		n.topicFeed.Close()
	}
	if n.mdns != nil {
		n.mdns.Close()
	}
	n.closeDHT()

	var err error
	if n.host != nil {
		err = n.host.Close()
	}
	n.wg.Wait()
	return err
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node, peer ID included.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	suffix, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, a.Encapsulate(suffix).String())
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		if p.Source == "" {
			p.Source = source
		}
		return
	}
	n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now(), Source: source}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *Node) full() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

func (n *Node) connect(info peer.AddrInfo, source string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		return err
	}
	n.addPeer(info.ID, source)
	return nil
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		log.P2P.Warn().Err(err).Msg("mDNS unavailable")
		return
	}
	n.mdns = svc
}

// connectSeedsOnce dials each seed once. Reports whether any connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		if err := n.connect(*info, "seed", seedConnectTimeout); err != nil {
			log.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		log.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop redials seeds while the node has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() == 0 {
				log.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kad
	return kad.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(rd)
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	found, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		log.P2P.Debug().Err(err).Msg("DHT lookup failed")
		return
	}
	for p := range found {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.full() {
			return
		}
		_ = n.connect(p, "dht", peerConnectTimeout)
	}
}

// persistPeers writes the connected peers and their addresses to the book.
func (n *Node) persistPeers() {
	if n.peerBook == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		if err := n.peerBook.Save(rec); err != nil {
			log.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Persist peer failed")
		}
	}
}

// reconnectKnownPeers dials every fresh peer in the book once at startup.
func (n *Node) reconnectKnownPeers() {
	if n.peerBook == nil {
		return
	}
	if _, err := n.peerBook.PruneStale(staleThreshold); err != nil {
		log.P2P.Debug().Err(err).Msg("Prune peer book failed")
	}
	records, err := n.peerBook.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		info, err := rec.AddrInfo()
		if err != nil || info.ID == n.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if n.full() || n.ctx.Err() != nil {
			return
		}
		_ = n.connect(*info, rec.Source, peerConnectTimeout)
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerBook.PruneStale(staleThreshold)
		}
	}
}

// loadOrCreateIdentity reads a hex Ed25519 key from path, generating and
// saving one when the file does not exist.
func loadOrCreateIdentity(path string) (libp2pcrypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
