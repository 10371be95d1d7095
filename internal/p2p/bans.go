package p2p

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// BanThreshold is the score at which a peer is banned.
	BanThreshold = 100
	// BanDuration is how long a ban lasts.
	BanDuration  = 24 * time.Hour

	banKeyPrefix     = "ban/"
	banPruneInterval = 10 * time.Minute
)

// BanRecord is a persisted ban.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpired reports whether a temporary ban has run out.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// BanStore persists bans.
type BanStore struct {
	recs jsonRecords[BanRecord]
}

// NewBanStore creates a BanStore backed by db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{recs: jsonRecords[BanRecord]{db: db, prefix: banKeyPrefix}}
}

// Get returns the ban for id.
func (s *BanStore) Get(id peer.ID) (*BanRecord, error) {
	return s.recs.get(id.String())
}

// Put stores rec.
func (s *BanStore) Put(rec *BanRecord) error {
	return s.recs.put(rec.ID, rec)
}

// Delete lifts the stored ban for id.
func (s *BanStore) Delete(id peer.ID) error {
	return s.recs.delete(id.String())
}

// ForEach visits every stored ban.
func (s *BanStore) ForEach(fn func(*BanRecord) error) error {
	return s.recs.each(fn)
}

// PruneExpired removes bans that have run out.
func (s *BanStore) PruneExpired() (int, error) {
	return s.recs.prune((*BanRecord).IsExpired)
}

// disconnector is the part of Node the ban manager needs.
type disconnector interface {
	DisconnectPeer(peer.ID) error
}

// BanManager scores misbehaving peers and bans them at BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil: in-memory only
	node   disconnector // nil: no disconnect on ban
}

// NewBanManager creates a BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node disconnector) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
	}
}

// LoadBans restores active bans from the store.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	if _, err := bm.store.PruneExpired(); err != nil {
		log.P2P.Warn().Err(err).Msg("Prune bans failed")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.store.ForEach(func(rec *BanRecord) error {
		id, err := peer.Decode(rec.ID)
		if err != nil || rec.IsExpired() {
			return nil
		}
		bm.bans[id] = rec
		return nil
	})
}

// RecordOffense adds penalty to a peer's score, banning and disconnecting
// it once the score reaches BanThreshold.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.IsExpired() {
		bm.mu.Unlock()
		return
	}
	bm.scores[id] += penalty
	score := bm.scores[id]
	if score < BanThreshold {
		bm.mu.Unlock()
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			log.P2P.Warn().Err(err).Msg("Persist ban failed")
		}
	}
	log.P2P.Warn().Str("peer", shortID(id)).Str("reason", reason).Int("score", score).Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// Score returns the current offense score of a peer that is not banned.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether id is currently banned. Expired bans are
// dropped on the way.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.IsExpired() {
		return true
	}
	bm.Unban(id)
	return false
}

// Unban lifts a ban and clears the score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns the active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop drops expired bans until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(banPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired() {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}

// banGater refuses connections to and from banned peers.
type banGater struct {
	bans *BanManager
}

func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.bans.IsBanned(p)
}

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept admits everything; the peer is not yet authenticated.
func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.bans.IsBanned(p)
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
