package invites

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/pkg/types"
)

// GasValues are the human-readable costs of an invite transaction.
type GasValues struct {
	StakeAmount  string `json:"stakeAmount"`
	MaxCost      string `json:"maxCost"`
	GasPriceGwei string `json:"gasPriceGwei"`
}

// FormatGasValues renders the required stake, the maximum fee gas×gasPrice
// and the gas price in display units.
func (c *Coordinator) FormatGasValues(ctx context.Context, gas uint64, gasPrice *big.Int) (GasValues, error) {
	stake, err := c.ledger.RequiredStake(ctx)
	if err != nil {
		return GasValues{}, err
	}
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	maxCost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	return GasValues{
		StakeAmount:  types.FormatUnits(stake, types.EtherDecimals),
		MaxCost:      types.FormatUnits(maxCost, types.EtherDecimals),
		GasPriceGwei: types.FormatUnits(gasPrice, types.GweiDecimals),
	}, nil
}

// TxKind names an invite transaction.
type TxKind string

// Transaction kinds.
const (
	TxApprove       TxKind = "approve"
	TxSendInvite    TxKind = "sendInvite"
	TxRetrieveStake TxKind = "retrieveStake"
	TxDeclineInvite TxKind = "declineInvite"
)

// TxDetails are the unsigned parameters of a transaction with its costs.
type TxDetails struct {
	ledger.TxParams
	GasValues
}

// TxDetails prepares the transaction of the given kind without submitting
// it. id is the peer ID for declineInvite and the contact ID otherwise.
func (c *Coordinator) TxDetails(ctx context.Context, kind TxKind, userID, id string) (*TxDetails, error) {
	var (
		call ledger.Call
		err  error
	)
	switch kind {
	case TxApprove:
		call, err = c.approveDetails(ctx, userID, id)
	case TxSendInvite:
		call, err = c.sendInviteDetails(userID, id)
	case TxRetrieveStake:
		call, err = c.retrieveStakeDetails(ctx, userID, id)
	case TxDeclineInvite:
		call, err = c.declineDetails(ctx, userID, id)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTxKind, kind)
	}
	if err != nil {
		return nil, err
	}

	params, err := c.ledger.TxParams(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("estimate %s: %w", kind, err)
	}
	values, err := c.FormatGasValues(ctx, params.Gas, params.GasPrice)
	if err != nil {
		return nil, err
	}
	return &TxDetails{TxParams: *params, GasValues: values}, nil
}

func (c *Coordinator) approveDetails(ctx context.Context, userID, contactID string) (ledger.Call, error) {
	r, err := c.resolve(userID, contactID)
	if err != nil {
		return ledger.Call{}, err
	}
	from, err := address("user ledger address", r.user.EthAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	stake, err := c.ledger.RequiredStake(ctx)
	if err != nil {
		return ledger.Call{}, err
	}
	spender, err := c.ledger.InvitesAddress(ctx)
	if err != nil {
		return ledger.Call{}, err
	}
	return approveCall(from, spender, stake, nil), nil
}

func (c *Coordinator) sendInviteDetails(userID, contactID string) (ledger.Call, error) {
	r, err := c.resolve(userID, contactID)
	if err != nil {
		return ledger.Call{}, err
	}
	from, err := address("user ledger address", r.user.EthAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	to, err := address("peer ledger address", r.peer.EthAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{
		Contract: ledger.ContractInvites,
		Method:   "sendInvite",
		Args:     []interface{}{to, r.peer.PublicFeed, r.user.PublicFeed.FeedHash},
		From:     from,
	}, nil
}

func (c *Coordinator) retrieveStakeDetails(ctx context.Context, userID, contactID string) (ledger.Call, error) {
	r, err := c.resolve(userID, contactID)
	if err != nil {
		return ledger.Call{}, err
	}
	inv := r.contact.Invite
	if inv == nil || inv.AcceptedSignature == "" {
		return ledger.Call{}, ErrSignatureMissing
	}
	if err := c.checkNetwork(ctx, inv.Network); err != nil {
		return ledger.Call{}, err
	}
	v, rs, ss, err := SignatureParams(inv.AcceptedSignature)
	if err != nil {
		return ledger.Call{}, fmt.Errorf("%w: %v", ErrSignatureMissing, err)
	}
	from, err := address("invite sender address", inv.FromAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	to, err := address("invite recipient address", inv.ToAddress)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{
		Contract: ledger.ContractInvites,
		Method:   "retrieveStake",
		Args:     []interface{}{to, r.peer.PublicFeed, v, rs, ss},
		From:     from,
	}, nil
}

func (c *Coordinator) declineDetails(ctx context.Context, userID, peerID string) (ledger.Call, error) {
	user, err := c.store.OwnUser(userID)
	if err != nil {
		return ledger.Call{}, notFound(err)
	}
	req, err := c.store.InviteRequest(userID, peerID)
	if err != nil {
		return ledger.Call{}, notFound(err)
	}
	peer, err := c.store.PeerUser(peerID)
	if err != nil {
		return ledger.Call{}, notFound(err)
	}
	if err := c.checkNetwork(ctx, req.Network); err != nil {
		return ledger.Call{}, err
	}
	return declineCall(user, peer, req)
}
