package invites

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// acceptMessage is the digest a recipient signs to accept an invite from sender.
func acceptMessage(sender common.Address) []byte {
	return crypto.MessageHash(crypto.Keccak256(sender.Bytes()))
}

// SignAccepted signs the acceptance of req with the account that received
// the invite. The result is 0x-prefixed hex of r | s | v with v in {27, 28}.
func (m *StateMachine) SignAccepted(_ context.Context, req *identity.InviteRequest) (string, error) {
	if !common.IsHexAddress(req.ReceivedAddress) || !common.IsHexAddress(req.SenderAddress) {
		return "", fmt.Errorf("%w: invite request addresses", ErrNotFound)
	}
	recv := common.HexToAddress(req.ReceivedAddress)
	if m.signer == nil || !m.signer.HasAccount(recv) {
		return "", fmt.Errorf("%w: wallet account %s", ErrNotFound, recv.Hex())
	}
	sig, err := m.signer.SignHash(recv, acceptMessage(common.HexToAddress(req.SenderAddress)))
	if err != nil {
		return "", fmt.Errorf("sign acceptance: %w", err)
	}
	sig[64] += 27
	return crypto.EncodeSignature(sig), nil
}

// SignatureParams splits an acceptance signature into the v, r and s
// arguments of retrieveStake.
func SignatureParams(sig string) (v uint8, r, s [32]byte, err error) {
	return crypto.SignatureParams(sig)
}

// AcceptInvite accepts the pending invite request from peerID: it signs the
// acceptance, records the signature on the request and creates the contact
// carrying the accepted invite.
func (m *StateMachine) AcceptInvite(ctx context.Context, userID, peerID string) (*identity.Contact, error) {
	req, err := m.store.InviteRequest(userID, peerID)
	if err != nil {
		return nil, notFound(err)
	}
	if req.RejectedTXHash != "" {
		return nil, fmt.Errorf("%w: tx %s", ErrAlreadyDeclined, req.RejectedTXHash)
	}
	sig, err := m.SignAccepted(ctx, req)
	if err != nil {
		return nil, err
	}
	req.AcceptedSignature = sig
	if err := m.store.SaveInviteRequest(req); err != nil {
		return nil, fmt.Errorf("save invite request: %w", err)
	}

	c, err := m.store.AddContact(userID, peerID)
	if err != nil {
		return nil, notFound(err)
	}
	c, err = m.store.UpdateContact(userID, c.ID, func(c *identity.Contact) error {
		c.Invite = &identity.Invite{
			SenderAddress:     req.SenderAddress,
			ReceivedAddress:   req.ReceivedAddress,
			Network:           req.Network,
			PrivateFeed:       req.PrivateFeed,
			AcceptedSignature: sig,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("user", userID).Str("peer", peerID).Msg("Invite accepted")
	m.notifier.Publish(notify.Event{
		Kind:    notify.InvitesChanged,
		Change:  notify.InviteAccepted,
		UserID:  userID,
		PeerID:  peerID,
		Contact: c,
		Request: req,
	})
	return c, nil
}

// RecordAcceptedSignature stores the signature a peer returned for an
// invite this user sent. The signature must recover to the invite's
// recipient address.
func (m *StateMachine) RecordAcceptedSignature(_ context.Context, userID, contactID, sig string) (*identity.Contact, error) {
	raw, err := decodeSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}

	c, err := m.store.UpdateContact(userID, contactID, func(c *identity.Contact) error {
		if c.Invite == nil {
			return fmt.Errorf("%w: contact %s has no invite", ErrNotFound, contactID)
		}
		if c.Invite.Stake != nil && c.Invite.Stake.State.Terminal() {
			return fmt.Errorf("%w: stake is %s", ErrIllegalTransition, c.Invite.Stake.State)
		}
		from := common.HexToAddress(c.Invite.FromAddress)
		signer, err := crypto.RecoverAddress(acceptMessage(from), raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
		if !common.IsHexAddress(c.Invite.ToAddress) || signer != common.HexToAddress(c.Invite.ToAddress) {
			return fmt.Errorf("%w: signature by %s, invite sent to %s", ErrPrecondition, signer.Hex(), c.Invite.ToAddress)
		}
		c.Invite.AcceptedSignature = sig
		return nil
	})
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, notFound(err)
		}
		return nil, err
	}

	m.notifier.Publish(notify.Event{
		Kind:    notify.ContactChanged,
		Change:  notify.InviteAccepted,
		UserID:  userID,
		PeerID:  c.PeerID,
		Contact: c,
	})
	return c, nil
}

// InviteRequests lists the invite requests received by a user.
func (m *StateMachine) InviteRequests(userID string) ([]*identity.InviteRequest, error) {
	if _, err := m.store.OwnUser(userID); err != nil {
		return nil, notFound(err)
	}
	return m.store.InviteRequests(userID)
}

func decodeSignature(sig string) ([]byte, error) {
	v, r, s, err := crypto.SignatureParams(sig)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, crypto.SignatureSize)
	copy(raw, r[:])
	copy(raw[32:], s[:])
	raw[64] = v
	return raw, nil
}
