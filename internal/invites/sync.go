package invites

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
)

// Synchronizer replays historical contract events for a user, batch by
// batch, and advances the user's checkpoint once a whole range is applied.
type Synchronizer struct {
	store     IdentityStore
	ledger    ledger.Gateway
	handler   LogHandler
	contracts ledger.ContractTable
	batchSize uint64
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSynchronizer creates a Synchronizer. A zero batchSize uses DefaultBatchSize.
func NewSynchronizer(store IdentityStore, gw ledger.Gateway, h LogHandler, contracts ledger.ContractTable, batchSize uint64) *Synchronizer {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &Synchronizer{
		store:     store,
		ledger:    gw,
		handler:   h,
		contracts: contracts,
		batchSize: batchSize,
		logger:    log.Sync,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock serializes replays of the same user and event kind.
func (s *Synchronizer) lock(userID string, kind ledger.EventKind) func() {
	key := userID + "/" + string(kind)
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Replay applies every kind event in [max(checkpoint, creation block), latest]
// that is addressed to feedHash. The checkpoint moves to latest only after
// all batches succeeded; any failure leaves it unchanged and wraps ErrSync.
func (s *Synchronizer) Replay(ctx context.Context, user *identity.OwnUser, feedHash common.Hash, kind ledger.EventKind) error {
	defer s.lock(user.ID, kind)()

	logger := log.WithUser(s.logger, user.ID).With().Str("event", string(kind)).Logger()
	fail := func(stage string, err error) error {
		logger.Error().Err(err).Msgf("Sync failed at %s", stage)
		return fmt.Errorf("%w: %s %s: %w", ErrSync, kind, stage, err)
	}

	net, err := s.ledger.Network(ctx)
	if err != nil {
		return fail("network", err)
	}
	cs, ok := s.contracts.Lookup(net.ID)
	if !ok {
		return fmt.Errorf("%w: network %d", ErrUnsupportedNetwork, net.ID)
	}

	checkpoint, err := s.store.Checkpoint(user.ID, string(kind), net.ID)
	if err != nil {
		return fail("checkpoint", err)
	}
	creation := cs.CreationBlock
	if creation == 0 {
		if creation, err = s.ledger.CreationBlock(ctx); err != nil {
			return fail("creation block", err)
		}
	}
	latest, err := s.ledger.LatestBlock(ctx)
	if err != nil {
		return fail("latest block", err)
	}

	from := max(checkpoint, creation)
	batches := BatchBlocks(from, latest, s.batchSize)
	logger.Debug().Uint64("from", from).Uint64("to", latest).Int("batches", len(batches)).Msg("Replaying events")

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return fail("batch", err)
		}
		if err := s.replayBatch(ctx, user, feedHash, kind, b, logger); err != nil {
			return fail(fmt.Sprintf("batch [%d,%d]", b.From, b.To), err)
		}
	}

	if err := s.store.AdvanceCheckpoint(user.ID, string(kind), net.ID, latest); err != nil {
		return fail("advance checkpoint", err)
	}
	logger.Debug().Uint64("checkpoint", latest).Msg("Events synced")
	return nil
}

func (s *Synchronizer) replayBatch(ctx context.Context, user *identity.OwnUser, feedHash common.Hash, kind ledger.EventKind, b BlockRange, logger zerolog.Logger) error {
	logs, err := s.ledger.FilterLogs(ctx, kind, b.From, b.To, feedHash)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	for _, l := range logs {
		err := s.handler.HandleLog(ctx, user, kind, l)
		if isDecodeError(err) {
			logger.Warn().Err(err).Uint64("block", l.BlockNumber).Uint("index", l.Index).Msg("Skipping undecodable log")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReplayAll replays Invited then Declined events for a user.
func (s *Synchronizer) ReplayAll(ctx context.Context, user *identity.OwnUser, feedHash common.Hash) error {
	if err := s.Replay(ctx, user, feedHash, ledger.EventInvited); err != nil {
		return err
	}
	return s.Replay(ctx, user, feedHash, ledger.EventDeclined)
}
