package p2p

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	peerKeyPrefix     = "peer/"
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a remembered peer and the addresses it was reached on.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// AddrInfo parses the record into dialable form. Unparseable addresses
// are dropped.
func (r *PeerRecord) AddrInfo() (*peer.AddrInfo, error) {
	id, err := peer.Decode(r.ID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	info := &peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, a)
	}
	return info, nil
}

// PeerBook persists peers across restarts so the node can rejoin the
// gossip mesh without seeds.
type PeerBook struct {
	recs jsonRecords[PeerRecord]
}

// NewPeerBook creates a PeerBook backed by db.
func NewPeerBook(db storage.DB) *PeerBook {
	return &PeerBook{recs: jsonRecords[PeerRecord]{db: db, prefix: peerKeyPrefix}}
}

// Save stores rec. New peers are ignored once the book is full.
func (b *PeerBook) Save(rec PeerRecord) error {
	exists, err := b.recs.has(rec.ID)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		n, err := b.recs.count()
		if err != nil {
			return fmt.Errorf("count peers: %w", err)
		}
		if n >= maxPersistedPeers {
			return nil
		}
	}
	return b.recs.put(rec.ID, &rec)
}

// Load returns the record for id.
func (b *PeerBook) Load(id peer.ID) (*PeerRecord, error) {
	return b.recs.get(id.String())
}

// LoadAll returns every stored record.
func (b *PeerBook) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	err := b.recs.each(func(r *PeerRecord) error {
		out = append(out, *r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return out, nil
}

// Delete forgets a peer.
func (b *PeerBook) Delete(id peer.ID) error {
	return b.recs.delete(id.String())
}

// PruneStale removes peers not seen within threshold.
func (b *PeerBook) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return b.recs.prune(func(r *PeerRecord) bool { return r.LastSeen < cutoff })
}

// Count returns the number of stored peers.
func (b *PeerBook) Count() (int, error) {
	return b.recs.count()
}
