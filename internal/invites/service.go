package invites

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// setupConcurrency bounds how many users are set up at once.
const setupConcurrency = 4

// Service brings the invite engine up for every own user on the current
// network and tears it down again.
type Service struct {
	store     IdentityStore
	ledger    ledger.Gateway
	contracts ledger.ContractTable
	sync      *Synchronizer
	bridge    *Bridge
	logger    zerolog.Logger
}

// NewService creates a Service.
func NewService(store IdentityStore, gw ledger.Gateway, contracts ledger.ContractTable, s *Synchronizer, b *Bridge) *Service {
	return &Service{
		store:     store,
		ledger:    gw,
		contracts: contracts,
		sync:      s,
		bridge:    b,
		logger:    log.Invites,
	}
}

// Setup attaches live events and replays history for each own user with a
// public feed. It is safe to call repeatedly: attached users keep their
// subscription and replay resumes from the stored checkpoints. One user's
// failure does not stop the others; all failures are returned joined.
func (s *Service) Setup(ctx context.Context) error {
	net, err := s.ledger.Network(ctx)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if _, ok := s.contracts.Lookup(net.ID); !ok {
		s.logger.Debug().Uint64("network", net.ID).Msg("Unsupported network, invites disabled")
		return fmt.Errorf("%w: network %d", ErrUnsupportedNetwork, net.ID)
	}

	users, err := s.store.OwnUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	var (
		g    errgroup.Group
		errs = make([]error, len(users))
	)
	g.SetLimit(setupConcurrency)
	for i, user := range users {
		if user.PublicFeed.FeedHash == "" {
			continue
		}
		g.Go(func() error {
			errs[i] = s.setupUser(ctx, user, net)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// setupUser replays the user's history even when live events could not be
// attached. Both failures are returned joined.
func (s *Service) setupUser(ctx context.Context, user *identity.OwnUser, net ledger.Network) error {
	topic := crypto.FeedHash(user.PublicFeed.FeedHash)
	logger := log.WithUser(s.logger, user.ID)

	_, attachErr := s.bridge.Attach(ctx, user, topic, net)
	if attachErr != nil {
		logger.Error().Err(attachErr).Msg("Error attaching live events, replaying history only")
	}
	if err := s.sync.ReplayAll(ctx, user, topic); err != nil {
		return fmt.Errorf("user %s: %w", user.ID, errors.Join(attachErr, err))
	}
	if attachErr != nil {
		return fmt.Errorf("user %s: %w", user.ID, attachErr)
	}
	logger.Debug().Str("network", net.Name).Msg("Invites synced")
	return nil
}

// Teardown closes every live subscription.
func (s *Service) Teardown() {
	s.bridge.Close()
}
