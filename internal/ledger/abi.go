package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const invitesABIJSON = `[
  {"type":"function","name":"requiredStake","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"creationBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getInviteState","stateMutability":"view","inputs":[
    {"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"feed","type":"string"}],
    "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"sendInvite","stateMutability":"nonpayable","inputs":[
    {"name":"recipientAddress","type":"address"},{"name":"recipientFeed","type":"string"},{"name":"senderFeed","type":"string"}],"outputs":[]},
  {"type":"function","name":"retrieveStake","stateMutability":"nonpayable","inputs":[
    {"name":"recipientAddress","type":"address"},{"name":"recipientFeed","type":"string"},
    {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"declineAndWithdraw","stateMutability":"nonpayable","inputs":[
    {"name":"senderAddress","type":"address"},{"name":"senderFeed","type":"string"},{"name":"recipientFeedHash","type":"string"}],"outputs":[]},
  {"type":"event","name":"Invited","anonymous":false,"inputs":[
    {"name":"senderFeed","type":"string","indexed":false},
    {"name":"senderAddress","type":"address","indexed":false},
    {"name":"recipientFeed","type":"string","indexed":false},
    {"name":"recipientAddress","type":"address","indexed":false},
    {"name":"recipientFeedHash","type":"bytes32","indexed":true}]},
  {"type":"event","name":"Declined","anonymous":false,"inputs":[
    {"name":"recipientFeed","type":"string","indexed":false},
    {"name":"recipientAddress","type":"address","indexed":false},
    {"name":"senderAddress","type":"address","indexed":false},
    {"name":"senderFeedHash","type":"bytes32","indexed":true}]}
]`

const tokenABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Parsed contract ABIs.
var (
	InvitesABI = mustParseABI(invitesABIJSON)
	TokenABI   = mustParseABI(tokenABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse abi: %v", err))
	}
	return parsed
}

// EventID returns the topic identifying logs of the given kind.
func EventID(kind EventKind) common.Hash {
	return InvitesABI.Events[string(kind)].ID
}

// DecodeInvited decodes an Invited log.
func DecodeInvited(l types.Log) (*InvitedEvent, error) {
	vals, err := unpackEvent(EventInvited, l)
	if err != nil {
		return nil, err
	}
	ev := &InvitedEvent{
		Position:          positionOf(l),
		RecipientFeedHash: l.Topics[1],
	}
	var ok [4]bool
	ev.SenderFeed, ok[0] = vals[0].(string)
	ev.SenderAddress, ok[1] = vals[1].(common.Address)
	ev.RecipientFeed, ok[2] = vals[2].(string)
	ev.RecipientAddress, ok[3] = vals[3].(common.Address)
	for _, b := range ok {
		if !b {
			return nil, fmt.Errorf("%w: Invited field types", ErrDecode)
		}
	}
	return ev, nil
}

// DecodeDeclined decodes a Declined log.
func DecodeDeclined(l types.Log) (*DeclinedEvent, error) {
	vals, err := unpackEvent(EventDeclined, l)
	if err != nil {
		return nil, err
	}
	ev := &DeclinedEvent{
		Position:       positionOf(l),
		SenderFeedHash: l.Topics[1],
	}
	var ok [3]bool
	ev.RecipientFeed, ok[0] = vals[0].(string)
	ev.RecipientAddress, ok[1] = vals[1].(common.Address)
	ev.SenderAddress, ok[2] = vals[2].(common.Address)
	for _, b := range ok {
		if !b {
			return nil, fmt.Errorf("%w: Declined field types", ErrDecode)
		}
	}
	return ev, nil
}

func unpackEvent(kind EventKind, l types.Log) ([]interface{}, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("%w: %s log has %d topics, want 2", ErrDecode, kind, len(l.Topics))
	}
	if l.Topics[0] != EventID(kind) {
		return nil, fmt.Errorf("%w: log is not a %s event", ErrDecode, kind)
	}
	vals, err := InvitesABI.Unpack(string(kind), l.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrDecode, kind, err)
	}
	return vals, nil
}

func positionOf(l types.Log) Position {
	return Position{Block: l.BlockNumber, Index: l.Index, TxHash: l.TxHash}
}

// InvitedLog encodes ev as it would appear in a ledger log.
func InvitedLog(ev InvitedEvent) (types.Log, error) {
	data, err := InvitesABI.Events[string(EventInvited)].Inputs.NonIndexed().Pack(
		ev.SenderFeed, ev.SenderAddress, ev.RecipientFeed, ev.RecipientAddress)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack Invited: %w", err)
	}
	return eventLog(EventInvited, ev.RecipientFeedHash, data, ev.Position), nil
}

// DeclinedLog encodes ev as it would appear in a ledger log.
func DeclinedLog(ev DeclinedEvent) (types.Log, error) {
	data, err := InvitesABI.Events[string(EventDeclined)].Inputs.NonIndexed().Pack(
		ev.RecipientFeed, ev.RecipientAddress, ev.SenderAddress)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack Declined: %w", err)
	}
	return eventLog(EventDeclined, ev.SenderFeedHash, data, ev.Position), nil
}

func eventLog(kind EventKind, topic common.Hash, data []byte, pos Position) types.Log {
	return types.Log{
		Topics:      []common.Hash{EventID(kind), topic},
		Data:        data,
		BlockNumber: pos.Block,
		Index:       pos.Index,
		TxHash:      pos.TxHash,
	}
}

// ParseBytes32String decodes a NUL-padded bytes32 string.
func ParseBytes32String(b [32]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
