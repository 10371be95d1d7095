package invites

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
)

// Coordinator submits the stake transactions of the invite handshake and
// keeps the contact's invite in step with each transaction's lifecycle.
type Coordinator struct {
	store    IdentityStore
	ledger   ledger.Gateway
	feeds    feed.Writer
	notifier *notify.Notifier
	logger   zerolog.Logger
}

// NewCoordinator creates a Coordinator. feeds may be nil, in which case no
// invite payload is published when sending.
func NewCoordinator(store IdentityStore, gw ledger.Gateway, feeds feed.Writer, n *notify.Notifier) *Coordinator {
	return &Coordinator{
		store:    store,
		ledger:   gw,
		feeds:    feeds,
		notifier: n,
		logger:   log.Stake,
	}
}

type resolved struct {
	user    *identity.OwnUser
	peer    *identity.PeerUser
	contact *identity.Contact
}

func (c *Coordinator) resolve(userID, contactID string) (*resolved, error) {
	user, err := c.store.OwnUser(userID)
	if err != nil {
		return nil, notFound(err)
	}
	contact, err := c.store.Contact(userID, contactID)
	if err != nil {
		return nil, notFound(err)
	}
	peer, err := c.store.PeerUser(contact.PeerID)
	if err != nil {
		return nil, notFound(err)
	}
	return &resolved{user: user, peer: peer, contact: contact}, nil
}

func address(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNotFound, field)
	}
	return common.HexToAddress(s), nil
}

func (c *Coordinator) publish(change notify.Change, contact *identity.Contact) {
	c.notifier.Publish(notify.Event{
		Kind:    notify.ContactChanged,
		Change:  change,
		UserID:  contact.UserID,
		PeerID:  contact.PeerID,
		Contact: contact,
	})
}

// CheckAllowance reports whether owner allows the invites contract to move
// at least the required stake.
func (c *Coordinator) CheckAllowance(ctx context.Context, owner common.Address) (bool, error) {
	stake, err := c.ledger.RequiredStake(ctx)
	if err != nil {
		return false, err
	}
	allowance, err := c.ledger.Allowance(ctx, owner)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(stake) >= 0, nil
}

func (c *Coordinator) checkBalance(ctx context.Context, owner common.Address, stake *big.Int) error {
	balance, err := c.ledger.TokenBalance(ctx, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(stake) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, stake)
	}
	return nil
}

// SendInviteApproval approves the invites contract to take the stake from
// the user's ledger account and waits for the approval to be mined. It
// returns the zero hash when the allowance already covers the stake.
func (c *Coordinator) SendInviteApproval(ctx context.Context, userID, contactID string, gasPrice *big.Int) (common.Hash, error) {
	r, err := c.resolve(userID, contactID)
	if err != nil {
		return common.Hash{}, err
	}
	from, err := address("user ledger address", r.user.EthAddress)
	if err != nil {
		return common.Hash{}, err
	}
	ok, err := c.CheckAllowance(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	if ok {
		return common.Hash{}, nil
	}
	stake, err := c.ledger.RequiredStake(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.checkBalance(ctx, from, stake); err != nil {
		return common.Hash{}, err
	}
	invitesAddr, err := c.ledger.InvitesAddress(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	p, err := c.ledger.Send(ctx, approveCall(from, invitesAddr, stake, gasPrice))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: approve: %w", ErrTransactionFailed, err)
	}
	hash, err := p.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return hash, fmt.Errorf("%w: approve: %w", ErrTransactionFailed, err)
	}
	c.logger.Info().Str("user", userID).Str("tx", hash.Hex()).Msg("Stake approval mined")
	return hash, nil
}

// SendInvite stakes an invite to the contact's peer. The invite is recorded
// as soon as the transaction hash is known and restored to its previous
// value if the transaction fails. A contact whose invite already went out
// is never re-invited.
func (c *Coordinator) SendInvite(ctx context.Context, userID, contactID string) (common.Hash, error) {
	r, err := c.resolve(userID, contactID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := checkResend(r.contact.Invite); err != nil {
		return common.Hash{}, err
	}
	from, err := address("user ledger address", r.user.EthAddress)
	if err != nil {
		return common.Hash{}, err
	}
	to, err := address("peer ledger address", r.peer.EthAddress)
	if err != nil {
		return common.Hash{}, err
	}
	stake, err := c.ledger.RequiredStake(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.checkBalance(ctx, from, stake); err != nil {
		return common.Hash{}, err
	}
	net, err := c.ledger.Network(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	privateFeed := uuid.NewString()
	if r.contact.Invite != nil && r.contact.Invite.PrivateFeed != "" {
		privateFeed = r.contact.Invite.PrivateFeed
	}
	if c.feeds != nil && r.peer.PublicKey != "" {
		payload := &feed.InvitePayload{PrivateFeed: privateFeed}
		if err := feed.PublishInvitePayload(ctx, c.feeds, r.user.FirstContactAddress, r.peer.PublicKey, payload); err != nil {
			return common.Hash{}, fmt.Errorf("publish invite payload: %w", err)
		}
	}

	logger := log.WithContact(c.logger, userID, contactID)
	call := ledger.Call{
		Contract: ledger.ContractInvites,
		Method:   "sendInvite",
		Args:     []interface{}{to, r.peer.PublicFeed, r.user.PublicFeed.FeedHash},
		From:     from,
	}
	p, err := c.ledger.Send(ctx, call)
	if err != nil {
		return common.Hash{}, c.inviteFailed(r.contact, r.contact.Invite, "", logger, err)
	}

	var recordErr error
	out := p.Track(context.WithoutCancel(ctx), func(h common.Hash) {
		updated, err := c.store.UpdateContact(userID, contactID, func(ct *identity.Contact) error {
			if err := checkResend(ct.Invite); err != nil {
				return err
			}
			ct.Invite = &identity.Invite{
				InviteTX:    h.Hex(),
				Network:     net.Name,
				FromAddress: from.Hex(),
				ToAddress:   to.Hex(),
				PrivateFeed: privateFeed,
				Stake:       &identity.Stake{Amount: stake.String(), State: identity.StakeStaked},
			}
			return nil
		})
		if err != nil {
			recordErr = err
			logger.Error().Err(err).Msg("Error recording sent invite")
			return
		}
		logger.Info().Str("tx", h.Hex()).Msg("Invite sent")
		c.publish(notify.InviteSent, updated)
	})
	if out.Err != nil {
		return out.Hash, c.inviteFailed(r.contact, r.contact.Invite, out.Hash.Hex(), logger, out.Err)
	}
	if recordErr != nil {
		return out.Hash, recordErr
	}
	return out.Hash, nil
}

// checkResend refuses to send over an invite that already has a
// transaction or a stake.
func checkResend(inv *identity.Invite) error {
	switch {
	case inv == nil:
		return nil
	case inv.Stake != nil && inv.Stake.State.Terminal():
		return fmt.Errorf("%w: stake already %s", ErrIllegalTransition, inv.Stake.State)
	case inv.Stake != nil || inv.InviteTX != "":
		return fmt.Errorf("%w: invite %s is %s", ErrAlreadyInvited, inv.InviteTX, inv.Status())
	}
	return nil
}

// inviteFailed puts back the invite the contact held before a failed
// sendInvite. An invite recorded by another transaction than tx is kept.
func (c *Coordinator) inviteFailed(contact *identity.Contact, prev *identity.Invite, tx string, logger zerolog.Logger, cause error) error {
	logger.Error().Err(cause).Msg("Invite transaction failed")
	updated, err := c.store.UpdateContact(contact.UserID, contact.ID, func(ct *identity.Contact) error {
		if checkResend(ct.Invite) != nil && (tx == "" || ct.Invite.InviteTX != tx) {
			return nil
		}
		ct.Invite = prev
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Error restoring invite")
		updated = contact
	}
	c.publish(notify.InviteFailed, updated)
	return fmt.Errorf("%w: sendInvite: %w", ErrTransactionFailed, cause)
}

// RetrieveStake reclaims the stake of an accepted invite using the
// recipient's acceptance signature and waits for the transaction outcome.
func (c *Coordinator) RetrieveStake(ctx context.Context, userID, contactID string) (common.Hash, error) {
	r, err := c.resolve(userID, contactID)
	if err != nil {
		return common.Hash{}, err
	}
	inv := r.contact.Invite
	if inv == nil || inv.Stake == nil || inv.AcceptedSignature == "" {
		return common.Hash{}, ErrSignatureMissing
	}
	if err := c.checkNetwork(ctx, inv.Network); err != nil {
		return common.Hash{}, err
	}
	if inv.Stake.State.Terminal() {
		return common.Hash{}, fmt.Errorf("%w: stake already %s", ErrIllegalTransition, inv.Stake.State)
	}
	v, rs, ss, err := SignatureParams(inv.AcceptedSignature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSignatureMissing, err)
	}
	from, err := address("invite sender address", inv.FromAddress)
	if err != nil {
		return common.Hash{}, err
	}
	to, err := address("invite recipient address", inv.ToAddress)
	if err != nil {
		return common.Hash{}, err
	}

	logger := log.WithContact(c.logger, userID, contactID)
	call := ledger.Call{
		Contract: ledger.ContractInvites,
		Method:   "retrieveStake",
		Args:     []interface{}{to, r.peer.PublicFeed, v, rs, ss},
		From:     from,
	}
	p, err := c.ledger.Send(ctx, call)
	if err != nil {
		return common.Hash{}, c.stakeError(r.contact, logger, err)
	}

	out := p.Track(context.WithoutCancel(ctx), func(h common.Hash) {
		updated, err := c.moveStake(r.contact, identity.StakeReclaiming, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Error marking stake as reclaiming")
			return
		}
		logger.Info().Str("tx", h.Hex()).Msg("Stake reclaim submitted")
		c.publish(notify.StakeReclaimProcessing, updated)
	})
	if out.Err != nil {
		return out.Hash, c.stakeError(r.contact, logger, out.Err)
	}

	updated, err := c.moveStake(r.contact, identity.StakeReclaimed, func(s *identity.Stake) {
		s.ReclaimedTX = out.Hash.Hex()
	})
	if err != nil {
		return out.Hash, err
	}
	logger.Info().Str("tx", out.Hash.Hex()).Msg("Stake reclaimed")
	c.publish(notify.StakeReclaimMined, updated)
	return out.Hash, nil
}

// checkNetwork fails with ErrWrongNetwork unless the ledger is connected to
// the named network.
func (c *Coordinator) checkNetwork(ctx context.Context, name string) error {
	net, err := c.ledger.Network(ctx)
	if err != nil {
		return err
	}
	if name != net.Name {
		return fmt.Errorf("%w: invite on %s, connected to %s", ErrWrongNetwork, name, net.Name)
	}
	return nil
}

// moveStake transitions the contact's stake, passing through reclaiming
// when going straight from staked to reclaimed.
func (c *Coordinator) moveStake(contact *identity.Contact, to identity.StakeState, fn func(*identity.Stake)) (*identity.Contact, error) {
	return c.store.UpdateContact(contact.UserID, contact.ID, func(ct *identity.Contact) error {
		if ct.Invite == nil || ct.Invite.Stake == nil {
			return fmt.Errorf("%w: contact %s has no stake", ErrNotFound, ct.ID)
		}
		s := ct.Invite.Stake
		if to == identity.StakeReclaimed && s.State == identity.StakeStaked {
			if err := s.Transition(identity.StakeReclaiming); err != nil {
				return err
			}
		}
		if err := s.Transition(to); err != nil {
			return err
		}
		if fn != nil {
			fn(s)
		}
		return nil
	})
}

// stakeError rolls a reclaiming stake back to staked after a failed reclaim.
func (c *Coordinator) stakeError(contact *identity.Contact, logger zerolog.Logger, cause error) error {
	logger.Error().Err(cause).Msg("Stake reclaim failed")
	updated, err := c.moveStake(contact, identity.StakeStaked, nil)
	if err != nil {
		if !errors.Is(err, ErrIllegalTransition) {
			logger.Error().Err(err).Msg("Error rolling back stake")
		}
		updated = contact
	}
	c.publish(notify.StakeError, updated)
	return fmt.Errorf("%w: retrieveStake: %w", ErrTransactionFailed, cause)
}

// DeclineContactInvite declines the invite request from peerID, withdrawing
// the sender's stake to the recipient, and records the transaction hash.
func (c *Coordinator) DeclineContactInvite(ctx context.Context, userID, peerID string) (common.Hash, error) {
	user, err := c.store.OwnUser(userID)
	if err != nil {
		return common.Hash{}, notFound(err)
	}
	req, err := c.store.InviteRequest(userID, peerID)
	if err != nil {
		return common.Hash{}, notFound(err)
	}
	if req.RejectedTXHash != "" {
		return common.Hash{}, fmt.Errorf("%w: tx %s", ErrAlreadyDeclined, req.RejectedTXHash)
	}
	peer, err := c.store.PeerUser(peerID)
	if err != nil {
		return common.Hash{}, notFound(err)
	}
	if err := c.checkNetwork(ctx, req.Network); err != nil {
		return common.Hash{}, err
	}
	call, err := declineCall(user, peer, req)
	if err != nil {
		return common.Hash{}, err
	}

	p, err := c.ledger.Send(ctx, call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: declineAndWithdraw: %w", ErrTransactionFailed, err)
	}
	hash, err := p.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return hash, fmt.Errorf("%w: declineAndWithdraw: %w", ErrTransactionFailed, err)
	}

	req.RejectedTXHash = hash.Hex()
	if err := c.store.SaveInviteRequest(req); err != nil {
		return hash, fmt.Errorf("save invite request: %w", err)
	}
	c.logger.Info().Str("user", userID).Str("peer", peerID).Str("tx", hash.Hex()).Msg("Invite declined")
	c.notifier.Publish(notify.Event{
		Kind:    notify.InvitesChanged,
		Change:  notify.InviteDeclined,
		UserID:  userID,
		PeerID:  peerID,
		Request: req,
	})
	return hash, nil
}

func approveCall(from, spender common.Address, stake, gasPrice *big.Int) ledger.Call {
	return ledger.Call{
		Contract: ledger.ContractToken,
		Method:   "approve",
		Args:     []interface{}{spender, stake},
		From:     from,
		GasPrice: gasPrice,
	}
}

func declineCall(user *identity.OwnUser, peer *identity.PeerUser, req *identity.InviteRequest) (ledger.Call, error) {
	from, err := address("received address", req.ReceivedAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	sender, err := address("sender address", req.SenderAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{
		Contract: ledger.ContractInvites,
		Method:   "declineAndWithdraw",
		Args:     []interface{}{sender, peer.PublicFeed, user.PublicFeed.FeedHash},
		From:     from,
	}, nil
}
