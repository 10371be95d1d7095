package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestEventIDs(t *testing.T) {
	tests := []struct {
		kind EventKind
		sig  string
	}{
		{EventInvited, "Invited(string,address,string,address,bytes32)"},
		{EventDeclined, "Declined(string,address,address,bytes32)"},
	}
	for _, tt := range tests {
		want := crypto.Keccak256Hash([]byte(tt.sig))
		if got := EventID(tt.kind); got != want {
			t.Errorf("EventID(%s) = %s, want keccak(%s) = %s", tt.kind, got.Hex(), tt.sig, want.Hex())
		}
	}
}

func TestDecodeInvited(t *testing.T) {
	in := InvitedEvent{
		Position:          Position{Block: 1200, Index: 3, TxHash: common.HexToHash("0xabc")},
		SenderFeed:        "sender-feed",
		SenderAddress:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		RecipientFeed:     "recipient-feed",
		RecipientAddress:  common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		RecipientFeedHash: common.HexToHash("0xfeed"),
	}
	l, err := InvitedLog(in)
	if err != nil {
		t.Fatalf("InvitedLog: %v", err)
	}

	out, err := DecodeInvited(l)
	if err != nil {
		t.Fatalf("DecodeInvited: %v", err)
	}
	if *out != in {
		t.Errorf("DecodeInvited = %+v, want %+v", *out, in)
	}

	if _, err := DecodeDeclined(l); !errors.Is(err, ErrDecode) {
		t.Errorf("DecodeDeclined(Invited log) error = %v, want ErrDecode", err)
	}
}

func TestDecodeDeclined(t *testing.T) {
	in := DeclinedEvent{
		Position:         Position{Block: 7, Index: 0},
		RecipientFeed:    "recipient-feed",
		RecipientAddress: common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		SenderAddress:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		SenderFeedHash:   common.HexToHash("0xbeef"),
	}
	l, err := DeclinedLog(in)
	if err != nil {
		t.Fatalf("DeclinedLog: %v", err)
	}
	out, err := DecodeDeclined(l)
	if err != nil {
		t.Fatalf("DecodeDeclined: %v", err)
	}
	if *out != in {
		t.Errorf("DecodeDeclined = %+v, want %+v", *out, in)
	}
}

func TestDecode_Malformed(t *testing.T) {
	l, _ := InvitedLog(InvitedEvent{SenderFeed: "x"})

	noTopic := l
	noTopic.Topics = noTopic.Topics[:1]
	if _, err := DecodeInvited(noTopic); !errors.Is(err, ErrDecode) {
		t.Errorf("missing topic: error = %v, want ErrDecode", err)
	}

	truncated := l
	truncated.Data = truncated.Data[:10]
	if _, err := DecodeInvited(truncated); !errors.Is(err, ErrDecode) {
		t.Errorf("truncated data: error = %v, want ErrDecode", err)
	}
}

func TestMethodPacking(t *testing.T) {
	var r, s [32]byte
	r[0], s[0] = 1, 2
	calls := []struct {
		method string
		args   []interface{}
	}{
		{"sendInvite", []interface{}{common.Address{1}, "peer-feed", "feed-hash"}},
		{"retrieveStake", []interface{}{common.Address{1}, "peer-feed", uint8(27), r, s}},
		{"declineAndWithdraw", []interface{}{common.Address{1}, "peer-feed", "feed-hash"}},
		{"getInviteState", []interface{}{common.Address{1}, common.Address{2}, "feed-hash"}},
	}
	for _, c := range calls {
		data, err := InvitesABI.Pack(c.method, c.args...)
		if err != nil {
			t.Errorf("Pack(%s): %v", c.method, err)
			continue
		}
		if len(data) < 4 {
			t.Errorf("Pack(%s) returned %d bytes", c.method, len(data))
		}
	}
	if _, err := TokenABI.Pack("approve", common.Address{1}, common.Big1); err != nil {
		t.Errorf("Pack(approve): %v", err)
	}
}

func TestParseBytes32String(t *testing.T) {
	var b [32]byte
	copy(b[:], "PENDING")
	if got := ParseBytes32String(b); got != InviteStatePending {
		t.Errorf("ParseBytes32String = %q, want %q", got, InviteStatePending)
	}
	if got := ParseBytes32String([32]byte{}); got != "" {
		t.Errorf("ParseBytes32String(zero) = %q, want empty", got)
	}
}

func TestPositionLess(t *testing.T) {
	a := Position{Block: 10, Index: 5}
	b := Position{Block: 11, Index: 0}
	c := Position{Block: 10, Index: 6}
	if !a.Less(b) || !a.Less(c) || b.Less(c) || a.Less(a) {
		t.Error("Position.Less ordering wrong")
	}
}
