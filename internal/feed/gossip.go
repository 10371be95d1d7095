package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-invites/internal/log"
)

// Publisher broadcasts encoded feed entries to other nodes.
type Publisher interface {
	PublishFeed(ctx context.Context, data []byte) error
}

// GossipStore is a LocalStore whose writes are broadcast and which accepts
// entries received from peers.
type GossipStore struct {
	*LocalStore
	pub Publisher
}

// NewGossipStore wraps local, broadcasting writes through pub.
func NewGossipStore(local *LocalStore, pub Publisher) *GossipStore {
	return &GossipStore{LocalStore: local, pub: pub}
}

// SetFeedValue stores the value locally and broadcasts it.
func (g *GossipStore) SetFeedValue(ctx context.Context, address, topic string, content []byte) error {
	e, err := g.next(address, topic, content)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("feed marshal: %w", err)
	}
	if err := g.pub.PublishFeed(ctx, data); err != nil {
		// Stored locally; peers catch up on the next write.
		log.Feed.Warn().Err(err).Str("address", address).Msg("Feed publish failed")
	}
	return nil
}

// HandleMessage applies an entry received from a peer.
func (g *GossipStore) HandleMessage(data []byte) error {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("decode feed entry: %w", err)
	}
	stored, err := g.Put(&e)
	if err != nil {
		return err
	}
	if stored {
		log.Feed.Debug().Str("address", e.Address).Str("topic", e.Topic).Uint64("seq", e.Seq).Msg("Feed entry updated")
	}
	return nil
}
