// Package identity persists the local social graph: own users, peers,
// contacts with their invites, incoming invite requests and per-network
// event checkpoints.
package identity

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("identity: not found")
	// ErrIllegalTransition is returned when a stake would leave a terminal state.
	ErrIllegalTransition = errors.New("identity: illegal stake transition")
)

// StakeState is the lifecycle state of an invite stake.
type StakeState string

// Stake states. Reclaimed and seized are terminal.
const (
	StakeStaked     StakeState = "staked"
	StakeReclaiming StakeState = "reclaiming"
	StakeReclaimed  StakeState = "reclaimed"
	StakeSeized     StakeState = "seized"
)

// Terminal reports whether no further transition is allowed.
func (s StakeState) Terminal() bool {
	return s == StakeReclaimed || s == StakeSeized
}

// Stake is the token amount locked by a sent invite.
type Stake struct {
	Amount      string     `json:"amount"` // decimal, base units
	State       StakeState `json:"state"`
	ReclaimedTX string     `json:"reclaimedTX,omitempty"`
}

// Transition moves the stake to the given state.
func (s *Stake) Transition(to StakeState) error {
	if s.State == to {
		return nil
	}
	if s.State.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, to)
	}
	switch to {
	case StakeStaked, StakeSeized:
	case StakeReclaiming:
		if s.State != StakeStaked {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, to)
		}
	case StakeReclaimed:
		if s.State != StakeReclaiming {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, to)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, to)
	}
	s.State = to
	return nil
}

// Invite is the on-ledger invite attached to a contact.
type Invite struct {
	InviteTX          string `json:"inviteTX,omitempty"`
	SenderAddress     string `json:"senderAddress,omitempty"`
	ReceivedAddress   string `json:"receivedAddress,omitempty"`
	FromAddress       string `json:"fromAddress,omitempty"`
	ToAddress         string `json:"toAddress,omitempty"`
	Network           string `json:"network,omitempty"`
	PrivateFeed       string `json:"privateFeed,omitempty"`
	AcceptedSignature string `json:"acceptedSignature,omitempty"`
	Stake             *Stake `json:"stake,omitempty"`
}

// Status derives the invite's lifecycle state from its fields.
func (i *Invite) Status() string {
	if i == nil {
		return ""
	}
	if i.Stake != nil {
		switch i.Stake.State {
		case StakeSeized:
			return "seized"
		case StakeReclaiming:
			return "reclaiming"
		case StakeReclaimed:
			return "reclaimed"
		}
	}
	switch {
	case i.AcceptedSignature != "":
		return "accepted"
	case i.InviteTX != "":
		return "sent"
	case i.Stake != nil:
		return "staked"
	default:
		return "pending"
	}
}

// PublicFeed identifies a user's public feed.
type PublicFeed struct {
	Feed     string `json:"feed"`
	FeedHash string `json:"feedHash"`
}

// OwnUser is an identity controlled by this node.
type OwnUser struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	PublicFeed          PublicFeed        `json:"publicFeed"`
	PublicKey           string            `json:"publicKey"`
	FirstContactAddress string            `json:"firstContactAddress,omitempty"`
	EthAddress          string            `json:"ethAddress,omitempty"`
	Accounts            []string          `json:"accounts,omitempty"`
	EventCheckpoints    map[string]uint64 `json:"eventCheckpoints,omitempty"`
}

// PeerUser is a remote identity known through its public feed.
type PeerUser struct {
	ID                  string `json:"id"`
	PublicFeed          string `json:"publicFeed"`
	FirstContactAddress string `json:"firstContactAddress"`
	EthAddress          string `json:"ethAddress,omitempty"`
	PublicKey           string `json:"publicKey,omitempty"`
	Name                string `json:"name"`
}

// Contact links an own user to a peer.
type Contact struct {
	ID     string  `json:"id"`
	UserID string  `json:"userID"`
	PeerID string  `json:"peerID"`
	Invite *Invite `json:"invite,omitempty"`
}

// InviteRequest is an invite received from a peer and not yet answered.
type InviteRequest struct {
	UserID            string `json:"userID"`
	PeerID            string `json:"peerID"`
	Network           string `json:"network"`
	PrivateFeed       string `json:"privateFeed"`
	ReceivedAddress   string `json:"receivedAddress"`
	SenderAddress     string `json:"senderAddress"`
	RejectedTXHash    string `json:"rejectedTXHash,omitempty"`
	AcceptedSignature string `json:"acceptedSignature,omitempty"`
}

// CheckpointKey renders the checkpoint map key for an event type on a network.
func CheckpointKey(eventType string, networkID uint64) string {
	return eventType + ":" + strconv.FormatUint(networkID, 10)
}
