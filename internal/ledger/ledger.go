// Package ledger is the boundary to the smart-contract ledger holding
// invite stakes: contract reads, event log queries and subscriptions, and
// transaction submission with its hash/mined lifecycle.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrSubscriptionsUnsupported is returned when the endpoint cannot push logs.
	ErrSubscriptionsUnsupported = errors.New("ledger: subscriptions not supported")
	// ErrUnsupportedNetwork is returned when no contracts are configured for the network.
	ErrUnsupportedNetwork = errors.New("ledger: unsupported network")
	// ErrMinedTimeout is delivered when a submitted transaction is not mined in time.
	ErrMinedTimeout = errors.New("ledger: transaction not mined before timeout")
	// ErrReverted is delivered when a mined transaction failed.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrDecode is returned for logs that do not decode as the expected event.
	ErrDecode = errors.New("ledger: decode event")
)

// EventKind names a contract event.
type EventKind string

// Contract events.
const (
	EventInvited  EventKind = "Invited"
	EventDeclined EventKind = "Declined"
)

// InviteStatePending is the getInviteState value of an unanswered invite.
const InviteStatePending = "PENDING"

// Network identifies the ledger network the gateway is connected to.
type Network struct {
	ID   uint64
	Name string
}

// ContractSet holds the deployed contracts of one network.
type ContractSet struct {
	Name          string
	Token         common.Address
	Invites       common.Address
	CreationBlock uint64 // 0 means ask the invites contract
}

// ContractTable maps network IDs to their contracts.
type ContractTable map[uint64]ContractSet

// Lookup returns the contracts of a network.
func (t ContractTable) Lookup(networkID uint64) (ContractSet, bool) {
	cs, ok := t[networkID]
	return cs, ok
}

// Position locates a log in the ledger.
type Position struct {
	Block  uint64
	Index  uint
	TxHash common.Hash
}

// Less orders positions by block, then log index.
func (p Position) Less(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

// InvitedEvent is emitted when a sender stakes an invite.
type InvitedEvent struct {
	Position
	SenderFeed        string
	SenderAddress     common.Address
	RecipientFeed     string
	RecipientAddress  common.Address
	RecipientFeedHash common.Hash
}

// DeclinedEvent is emitted when a recipient declines and withdraws a stake.
type DeclinedEvent struct {
	Position
	RecipientFeed    string
	RecipientAddress common.Address
	SenderAddress    common.Address
	SenderFeedHash   common.Hash
}

// Contract selects which configured contract a call targets.
type Contract int

// Contracts.
const (
	ContractInvites Contract = iota
	ContractToken
)

// Call describes a state-changing contract call.
type Call struct {
	Contract Contract
	Method   string
	Args     []interface{}
	From     common.Address
	GasPrice *big.Int // nil means suggested
}

// TxParams are the unsigned parameters of a call, ready to be signed.
type TxParams struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Data     string         `json:"data"`
	Gas      uint64         `json:"gas"`
	GasPrice *big.Int       `json:"gasPrice"`
	Nonce    uint64         `json:"nonce"`
}

// Subscription is a live log subscription.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Signer signs 32-byte digests with the key of a held account.
// Signatures are r | s | v with v in {0, 1}.
type Signer interface {
	HasAccount(addr common.Address) bool
	SignHash(addr common.Address, hash []byte) ([]byte, error)
}

// Gateway is the ledger as seen by the invite engine.
type Gateway interface {
	Network(ctx context.Context) (Network, error)
	LatestBlock(ctx context.Context) (uint64, error)
	CreationBlock(ctx context.Context) (uint64, error)
	InvitesAddress(ctx context.Context) (common.Address, error)

	RequiredStake(ctx context.Context) (*big.Int, error)
	InviteState(ctx context.Context, sender, recipient common.Address, feedHash string) (string, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)

	// FilterLogs returns the kind's logs in [from, to] whose indexed feed
	// hash equals topic.
	FilterLogs(ctx context.Context, kind EventKind, from, to uint64, topic common.Hash) ([]types.Log, error)
	// SubscribeLogs pushes new matching logs to sink until unsubscribed.
	// Returns ErrSubscriptionsUnsupported when the endpoint cannot push.
	SubscribeLogs(ctx context.Context, kind EventKind, topic common.Hash, sink chan<- types.Log) (Subscription, error)

	// TxParams encodes call and fills gas, gas price and nonce without sending.
	TxParams(ctx context.Context, call Call) (*TxParams, error)
	// Send signs and submits call. Submission errors are returned directly;
	// later failures arrive through the Pending.
	Send(ctx context.Context, call Call) (*Pending, error)
}
