package invites

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
)

// liveKinds are the events a live subscription listens for.
var liveKinds = []ledger.EventKind{ledger.EventInvited, ledger.EventDeclined}

// Bridge feeds newly emitted contract events through the same handler as
// historical replay. At most one subscription exists per user and network.
type Bridge struct {
	ledger  ledger.Gateway
	handler LogHandler
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*LiveSubscription
}

// NewBridge creates a Bridge.
func NewBridge(gw ledger.Gateway, h LogHandler) *Bridge {
	return &Bridge{
		ledger:  gw,
		handler: h,
		logger:  log.Live,
		subs:    make(map[string]*LiveSubscription),
	}
}

// LiveSubscription is the set of event subscriptions of one user.
type LiveSubscription struct {
	key    string
	bridge *Bridge
	subs   []ledger.Subscription
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Attach subscribes user to Invited and Declined events addressed to
// feedHash on network net. Attaching twice returns the existing handle.
// When the endpoint cannot push logs Attach returns nil, nil.
func (b *Bridge) Attach(ctx context.Context, user *identity.OwnUser, feedHash common.Hash, net ledger.Network) (*LiveSubscription, error) {
	key := fmt.Sprintf("%s/%d", user.ID, net.ID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if ls, ok := b.subs[key]; ok {
		return ls, nil
	}

	logger := log.WithUser(b.logger, user.ID).With().Uint64("network", net.ID).Logger()
	ls := &LiveSubscription{key: key, bridge: b, quit: make(chan struct{})}
	for _, kind := range liveKinds {
		sink := make(chan types.Log, 16)
		sub, err := b.ledger.SubscribeLogs(ctx, kind, feedHash, sink)
		if err != nil {
			ls.stop()
			if errors.Is(err, ledger.ErrSubscriptionsUnsupported) {
				logger.Info().Msg("Ledger endpoint does not support subscriptions, live events disabled")
				return nil, nil
			}
			return nil, fmt.Errorf("subscribe %s: %w", kind, err)
		}
		ls.subs = append(ls.subs, sub)
		ls.wg.Add(1)
		go ls.loop(ctx, user, kind, sub, sink, logger.With().Str("event", string(kind)).Logger())
	}
	b.subs[key] = ls
	logger.Debug().Msg("Live events attached")
	return ls, nil
}

func (ls *LiveSubscription) loop(ctx context.Context, user *identity.OwnUser, kind ledger.EventKind, sub ledger.Subscription, sink <-chan types.Log, logger zerolog.Logger) {
	defer ls.wg.Done()
	for {
		select {
		case l := <-sink:
			if err := ls.bridge.handler.HandleLog(ctx, user, kind, l); err != nil {
				if isDecodeError(err) {
					logger.Warn().Err(err).Uint64("block", l.BlockNumber).Msg("Skipping undecodable log")
				} else {
					logger.Error().Err(err).Uint64("block", l.BlockNumber).Msg("Error handling live event")
				}
			}
		case err := <-sub.Err():
			if err != nil {
				logger.Error().Err(err).Msg("Subscription ended")
			}
			// Detached so the next Attach subscribes again.
			go ls.Close()
			return
		case <-ls.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stop unsubscribes and waits for the loops to exit.
func (ls *LiveSubscription) stop() {
	ls.once.Do(func() {
		close(ls.quit)
		for _, sub := range ls.subs {
			sub.Unsubscribe()
		}
		ls.wg.Wait()
	})
}

// Close tears the subscription down.
func (ls *LiveSubscription) Close() {
	if ls == nil {
		return
	}
	ls.stop()
	b := ls.bridge
	b.mu.Lock()
	if b.subs[ls.key] == ls {
		delete(b.subs, ls.key)
	}
	b.mu.Unlock()
}

// Close tears down every live subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*LiveSubscription)
	b.mu.Unlock()
	for _, ls := range subs {
		ls.stop()
	}
}

// Attached reports how many live subscriptions are open.
func (b *Bridge) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
