package p2p

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-invites/internal/log"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// TopicFeed is the GossipSub topic feed entries travel on.
const TopicFeed = "/invites/feed/1.0.0"

// MaxFeedMessageSize bounds a single gossiped feed entry.
const MaxFeedMessageSize = 1 << 20

// PenaltyInvalidEntry is charged to a peer whose entry could not be applied.
const PenaltyInvalidEntry = 25

// FeedHandler applies an entry received from a peer. A non-nil error
// counts against the sender.
type FeedHandler func(data []byte) error

// SetFeedHandler registers the callback for incoming feed entries. It must
// be called before Start.
func (n *Node) SetFeedHandler(fn FeedHandler) {
	n.feedHandler = fn
}

// PublishFeed broadcasts an encoded feed entry to all peers.
func (n *Node) PublishFeed(ctx context.Context, data []byte) error {
	if n.topicFeed == nil {
		return ErrNotStarted
	}
	if len(data) > MaxFeedMessageSize {
		return fmt.Errorf("feed entry too large: %d bytes", len(data))
	}
	return n.topicFeed.Publish(ctx, data)
}

func (n *Node) joinFeedTopic() error {
	var err error
	n.topicFeed, err = n.pubsub.Join(TopicFeed)
	if err != nil {
		return fmt.Errorf("join feed topic: %w", err)
	}
	n.subFeed, err = n.topicFeed.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe feed: %w", err)
	}
	return nil
}

func (n *Node) readFeedLoop() {
	for {
		msg, err := n.subFeed.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.handleFeedMessage(msg)
	}
}

func (n *Node) handleFeedMessage(msg *pubsub.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.P2P.Error().Interface("panic", r).Str("peer", shortID(msg.ReceivedFrom)).Msg("Feed handler panicked")
		}
	}()
	n.addPeer(msg.ReceivedFrom, "gossip")
	if n.feedHandler == nil {
		return
	}
	if err := n.feedHandler(msg.Data); err != nil {
		log.P2P.Debug().Err(err).Str("peer", shortID(msg.ReceivedFrom)).Msg("Rejected feed entry")
		n.Bans.RecordOffense(msg.ReceivedFrom, PenaltyInvalidEntry, err.Error())
	}
}
