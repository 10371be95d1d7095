package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Peer is a connected remote node.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "seed", "mdns", "dht", "book", "inbound"
}

// connNotifier keeps the peer table in step with the host's connections.
type connNotifier struct {
	node *Node
}

func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if remote == cn.node.host.ID() {
		return
	}
	source := ""
	if conn.Stat().Direction == network.DirInbound {
		source = "inbound"
	}
	cn.node.addPeer(remote, source)
}

// Disconnected drops the peer once its last connection closes.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) == 0 {
		cn.node.removePeer(remote)
	}
}

func (cn *connNotifier) Listen(network.Network, ma.Multiaddr) {}
func (cn *connNotifier) ListenClose(network.Network, ma.Multiaddr) {}

// discoveryNotifee dials peers announced over mDNS.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() || d.node.full() {
		return
	}
	_ = d.node.connect(pi, "mdns", peerConnectTimeout)
}
