package invites

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// LogHandler applies one ledger log for a user.
type LogHandler interface {
	HandleLog(ctx context.Context, user *identity.OwnUser, kind ledger.EventKind, l types.Log) error
}

// StateMachine applies invite events and acceptances to the identity store.
// Every handler is idempotent: applying an event twice changes nothing and
// publishes nothing the second time.
type StateMachine struct {
	store    IdentityStore
	ledger   ledger.Gateway
	feeds    feed.Reader
	signer   ledger.Signer
	notifier *notify.Notifier
	logger   zerolog.Logger
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(store IdentityStore, gw ledger.Gateway, feeds feed.Reader, signer ledger.Signer, n *notify.Notifier) *StateMachine {
	return &StateMachine{
		store:    store,
		ledger:   gw,
		feeds:    feeds,
		signer:   signer,
		notifier: n,
		logger:   log.Invites,
	}
}

// HandleLog decodes l as kind and applies it. Decode failures wrap ErrDecode.
func (m *StateMachine) HandleLog(ctx context.Context, user *identity.OwnUser, kind ledger.EventKind, l types.Log) error {
	switch kind {
	case ledger.EventInvited:
		ev, err := ledger.DecodeInvited(l)
		if err != nil {
			return err
		}
		return m.HandleInvited(ctx, user, ev)
	case ledger.EventDeclined:
		ev, err := ledger.DecodeDeclined(l)
		if err != nil {
			return err
		}
		return m.HandleDeclined(ctx, user, ev)
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrDecode, kind)
	}
}

// HandleInvited records an invite sent to user as an invite request.
// Feed failures are logged and the event is skipped; ledger and store
// failures are returned.
func (m *StateMachine) HandleInvited(ctx context.Context, user *identity.OwnUser, ev *ledger.InvitedEvent) error {
	if ev.SenderFeed == "" {
		return nil
	}
	logger := log.WithUser(m.logger, user.ID).With().Uint64("block", ev.Block).Logger()

	if peer, err := m.store.PeerByFeed(ev.SenderFeed); err == nil {
		if _, err := m.store.ContactByPeer(user.ID, peer.ID); err == nil {
			logger.Debug().Str("peer", peer.ID).Msg("Invite from existing contact ignored")
			return nil
		} else if !errors.Is(err, identity.ErrNotFound) {
			return err
		}
	} else if !errors.Is(err, identity.ErrNotFound) {
		return err
	}

	profile, err := feed.ResolveProfile(ctx, m.feeds, ev.SenderFeed)
	if err != nil {
		logger.Warn().Err(err).Str("feed", ev.SenderFeed).Msg("Error fetching sender profile")
		return nil
	}
	peer, err := m.store.AddPeer(identity.PeerUser{
		PublicFeed:          ev.SenderFeed,
		FirstContactAddress: profile.FirstContactAddress,
		EthAddress:          profile.EthAddress,
		PublicKey:           profile.PublicKey,
		Name:                profile.Name,
	})
	if err != nil {
		return fmt.Errorf("add peer: %w", err)
	}

	raw, err := m.feeds.GetFeedValue(ctx, peer.FirstContactAddress, crypto.FeedTopic(user.PublicKey))
	if err != nil {
		logger.Warn().Err(err).Str("peer", peer.ID).Msg("Error fetching invite payload")
		return nil
	}
	if raw == nil {
		logger.Debug().Str("peer", peer.ID).Msg("No invite payload published")
		return nil
	}
	payload, err := feed.ParseInvitePayload(raw)
	if err != nil {
		logger.Warn().Err(err).Str("peer", peer.ID).Msg("Malformed invite payload")
		return nil
	}

	state, err := m.ledger.InviteState(ctx, ev.SenderAddress, ev.RecipientAddress, user.PublicFeed.FeedHash)
	if err != nil {
		return fmt.Errorf("invite state: %w", err)
	}
	if state != ledger.InviteStatePending {
		logger.Debug().Str("peer", peer.ID).Str("state", state).Msg("Invite no longer pending")
		return nil
	}
	net, err := m.ledger.Network(ctx)
	if err != nil {
		return err
	}

	req := &identity.InviteRequest{
		UserID:          user.ID,
		PeerID:          peer.ID,
		Network:         net.Name,
		PrivateFeed:     payload.PrivateFeed,
		ReceivedAddress: ev.RecipientAddress.Hex(),
		SenderAddress:   ev.SenderAddress.Hex(),
	}
	stored, err := m.store.SetInviteRequestIfAbsent(req)
	if err != nil {
		return fmt.Errorf("store invite request: %w", err)
	}
	if !stored {
		return nil
	}

	logger.Info().Str("peer", peer.ID).Str("sender", req.SenderAddress).Msg("Invite received")
	m.notifier.Publish(notify.Event{
		Kind:    notify.InvitesChanged,
		Change:  notify.InviteReceived,
		UserID:  user.ID,
		PeerID:  peer.ID,
		Request: req,
	})
	return nil
}

// errUnchanged aborts a contact update without writing.
var errUnchanged = errors.New("unchanged")

// HandleDeclined marks the stake of a declined invite as seized.
func (m *StateMachine) HandleDeclined(ctx context.Context, user *identity.OwnUser, ev *ledger.DeclinedEvent) error {
	logger := log.WithUser(m.logger, user.ID).With().Uint64("block", ev.Block).Logger()

	peer, err := m.store.PeerByFeed(ev.RecipientFeed)
	if errors.Is(err, identity.ErrNotFound) {
		logger.Debug().Str("feed", ev.RecipientFeed).Msg("Decline from unknown peer")
		return nil
	}
	if err != nil {
		return err
	}
	contact, err := m.store.ContactByPeer(user.ID, peer.ID)
	if errors.Is(err, identity.ErrNotFound) {
		logger.Debug().Str("peer", peer.ID).Msg("Decline without contact")
		return nil
	}
	if err != nil {
		return err
	}

	updated, err := m.store.UpdateContact(user.ID, contact.ID, func(c *identity.Contact) error {
		if c.Invite == nil {
			return errUnchanged
		}
		if c.Invite.Stake == nil {
			c.Invite.Stake = &identity.Stake{State: identity.StakeStaked}
		}
		if c.Invite.Stake.State == identity.StakeSeized {
			return errUnchanged
		}
		return c.Invite.Stake.Transition(identity.StakeSeized)
	})
	switch {
	case errors.Is(err, errUnchanged):
		return nil
	case errors.Is(err, ErrIllegalTransition):
		logger.Warn().Err(err).Str("contact", contact.ID).Msg("Decline for settled stake ignored")
		return nil
	case err != nil:
		return err
	}

	logger.Info().Str("contact", contact.ID).Msg("Invite declined, stake seized")
	m.notifier.Publish(notify.Event{
		Kind:    notify.ContactChanged,
		Change:  notify.InviteDeclined,
		UserID:  user.ID,
		PeerID:  peer.ID,
		Contact: updated,
	})
	return nil
}
