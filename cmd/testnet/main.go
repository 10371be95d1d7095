// Command testnet boots a 2-node local feed network from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It boots two in-process feed nodes on memory storage, connects them over
// libp2p, publishes a user profile and an invite payload on node-1 and waits
// until node-2 resolves both through gossip. Ctrl+C for early shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	klog "github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/p2p"
	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

const (
	rendezvous  = "invites-testnet"
	convergeFor = 30 * time.Second
	publishTick = time.Second
)

// nodeBundle groups all components for one logical node.
type nodeBundle struct {
	name  string
	p2p   *p2p.Node
	feeds *feed.GossipStore
}

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Invites 2-Node Local Feed Network ===")

	// ── Phase 1: Build nodes ────────────────────────────────────────────

	node1 := buildNode("node-1")
	node2 := buildNode("node-2")
	defer cleanup(node1, node2)

	// ── Phase 2: Start P2P + Connect ────────────────────────────────────

	if err := node1.p2p.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-1 p2p")
	}
	if err := node2.p2p.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-2 p2p")
	}
	logger.Info().
		Str("node1_id", node1.p2p.ID().String()).
		Str("node2_id", node2.p2p.ID().String()).
		Msg("P2P nodes started")

	connectNodes(node1.p2p, node2.p2p)
	logger.Info().
		Int("node1_peers", node1.p2p.PeerCount()).
		Int("node2_peers", node2.p2p.PeerCount()).
		Msg("Nodes connected")

	// ── Phase 3: Publish and wait for convergence ───────────────────────

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), convergeFor)
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			logger.Info().Msg("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	alice := "0xalice-public-feed"
	firstContact := "0xalice-first-contact"
	profile := &feed.Profile{Name: "alice", FirstContactAddress: firstContact}
	bobKey := "bob-public-key"
	payload := &feed.InvitePayload{PrivateFeed: crypto.Keccak256Hex([]byte("alice-bob-private"))}

	ticker := time.NewTicker(publishTick)
	defer ticker.Stop()
	for {
		// Mesh formation takes a few heartbeats, so keep republishing.
		if err := feed.PublishProfile(ctx, node1.feeds, alice, profile); err != nil {
			logger.Error().Err(err).Msg("publish profile")
		}
		if err := feed.PublishInvitePayload(ctx, node1.feeds, firstContact, bobKey, payload); err != nil {
			logger.Error().Err(err).Msg("publish invite payload")
		}

		if converged(ctx, node2.feeds, alice, firstContact, bobKey, payload.PrivateFeed) {
			logger.Info().Str("feed", alice).Str("first_contact", firstContact).
				Msg("SUCCESS: node-2 resolved the profile and invite published on node-1")
			return
		}

		select {
		case <-ctx.Done():
			logger.Error().Err(ctx.Err()).Msg("FAILURE: feeds did not converge")
			cleanup(node1, node2)
			os.Exit(1)
		case <-ticker.C:
		}
	}
}

// converged reports whether r holds the profile and the invite payload.
func converged(ctx context.Context, r feed.Reader, publicFeed, firstContact, recipientKey, privateFeed string) bool {
	if _, err := feed.ResolveProfile(ctx, r, publicFeed); err != nil {
		return false
	}
	data, err := r.GetFeedValue(ctx, firstContact, crypto.FeedTopic(recipientKey))
	if err != nil || data == nil {
		return false
	}
	p, err := feed.ParseInvitePayload(data)
	return err == nil && p.PrivateFeed == privateFeed
}

func buildNode(name string) *nodeBundle {
	local := feed.NewLocalStore(storage.NewMemory())
	p2pNode := p2p.New(p2p.Config{
		ListenAddr: "127.0.0.1",
		Port:       0,
		NoDiscover: true,
		Rendezvous: rendezvous,
	})
	gossip := feed.NewGossipStore(local, p2pNode)
	p2pNode.SetFeedHandler(gossip.HandleMessage)
	return &nodeBundle{name: name, p2p: p2pNode, feeds: gossip}
}

// connectNodes connects two P2P nodes directly.
func connectNodes(a, b *p2p.Node) {
	aHost := a.Host()
	info := libp2ppeer.AddrInfo{
		ID:    aHost.ID(),
		Addrs: aHost.Addrs(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Host().Connect(ctx, info)
}

// cleanup stops all P2P nodes.
func cleanup(nodes ...*nodeBundle) {
	for _, n := range nodes {
		n.p2p.Stop()
	}
}
