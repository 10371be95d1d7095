package invites

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

func acceptedInvite(t *testing.T) *identity.Invite {
	t.Helper()
	return &identity.Invite{
		InviteTX:          "0x01",
		Network:           "ropsten",
		FromAddress:       aliceAddr.Hex(),
		ToAddress:         bobAddr.Hex(),
		AcceptedSignature: acceptSignature(t),
		Stake:             &identity.Stake{Amount: "1000000000000000000", State: identity.StakeStaked},
	}
}

func TestRetrieveStake_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		invite func(t *testing.T) *identity.Invite
		want   error
	}{
		{
			name:   "no invite",
			invite: func(*testing.T) *identity.Invite { return nil },
			want:   ErrSignatureMissing,
		},
		{
			name: "not accepted",
			invite: func(t *testing.T) *identity.Invite {
				inv := acceptedInvite(t)
				inv.AcceptedSignature = ""
				return inv
			},
			want: ErrSignatureMissing,
		},
		{
			name: "other network",
			invite: func(t *testing.T) *identity.Invite {
				inv := acceptedInvite(t)
				inv.Network = "ganache"
				return inv
			},
			want: ErrWrongNetwork,
		},
		{
			name: "already reclaimed",
			invite: func(t *testing.T) *identity.Invite {
				inv := acceptedInvite(t)
				inv.Stake.State = identity.StakeReclaimed
				return inv
			},
			want: ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			_, c := env.bobContact(t)
			if inv := tt.invite(t); inv != nil {
				env.setInvite(t, c.ID, inv)
			}

			_, err := env.coord.RetrieveStake(context.Background(), env.alice.ID, c.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("RetrieveStake error = %v, want %v", err, tt.want)
			}
			if sent := env.gw.sentCalls(); len(sent) != 0 {
				t.Errorf("submitted %d transactions, want none", len(sent))
			}
			if evs := env.drain(); len(evs) != 0 {
				t.Errorf("events = %v, want none", changes(evs))
			}
		})
	}
}

func TestRetrieveStake_Mined(t *testing.T) {
	env := newEnv(t)
	_, c := env.bobContact(t)
	env.setInvite(t, c.ID, acceptedInvite(t))

	hash, err := env.coord.RetrieveStake(context.Background(), env.alice.ID, c.ID)
	if err != nil {
		t.Fatalf("RetrieveStake: %v", err)
	}

	got := env.contact(t, c.ID).Invite.Stake
	if got.State != identity.StakeReclaimed || got.ReclaimedTX != hash.Hex() {
		t.Errorf("stake = %+v, want reclaimed by %s", got, hash.Hex())
	}
	want := []notify.Change{notify.StakeReclaimProcessing, notify.StakeReclaimMined}
	if evs := changes(env.drain()); len(evs) != 2 || evs[0] != want[0] || evs[1] != want[1] {
		t.Errorf("events = %v, want %v", evs, want)
	}

	sent := env.gw.sentCalls()
	if len(sent) != 1 {
		t.Fatalf("sent %d calls, want 1", len(sent))
	}
	call := sent[0]
	if call.Method != "retrieveStake" || call.From != aliceAddr {
		t.Errorf("call = %s from %s", call.Method, call.From.Hex())
	}
	if call.Args[0] != bobAddr || call.Args[1] != bobFeed {
		t.Errorf("call args = %v", call.Args[:2])
	}
	if v, ok := call.Args[2].(uint8); !ok || (v != 27 && v != 28) {
		t.Errorf("v arg = %v", call.Args[2])
	}
}

func TestRetrieveStake_Rollback(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(g *fakeGateway)
		want    []notify.Change
		cause   error
	}{
		{
			name: "mined timeout",
			prepare: func(g *fakeGateway) {
				g.pending = func(_ ledger.Call, h common.Hash) *ledger.Pending {
					return failedPending(h, ledger.ErrMinedTimeout)
				}
			},
			want:  []notify.Change{notify.StakeReclaimProcessing, notify.StakeError},
			cause: ledger.ErrMinedTimeout,
		},
		{
			name: "reverted",
			prepare: func(g *fakeGateway) {
				g.pending = func(_ ledger.Call, h common.Hash) *ledger.Pending {
					return failedPending(h, ledger.ErrReverted)
				}
			},
			want:  []notify.Change{notify.StakeReclaimProcessing, notify.StakeError},
			cause: ledger.ErrReverted,
		},
		{
			name:    "submission rejected",
			prepare: func(g *fakeGateway) { g.sendErr = errBoom },
			want:    []notify.Change{notify.StakeError},
			cause:   errBoom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			_, c := env.bobContact(t)
			env.setInvite(t, c.ID, acceptedInvite(t))
			tt.prepare(env.gw)

			_, err := env.coord.RetrieveStake(context.Background(), env.alice.ID, c.ID)
			if !errors.Is(err, ErrTransactionFailed) || !errors.Is(err, tt.cause) {
				t.Fatalf("RetrieveStake error = %v, want ErrTransactionFailed wrapping %v", err, tt.cause)
			}
			if got := env.contact(t, c.ID).Invite.Stake; got.State != identity.StakeStaked || got.ReclaimedTX != "" {
				t.Errorf("stake = %+v, want staked", got)
			}
			got := changes(env.drain())
			if len(got) != len(tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("events = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSendInvite(t *testing.T) {
	env := newEnv(t)
	peer, c := env.bobContact(t)
	ctx := context.Background()

	hash, err := env.coord.SendInvite(ctx, env.alice.ID, c.ID)
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}

	inv := env.contact(t, c.ID).Invite
	if inv == nil || inv.InviteTX != hash.Hex() || inv.Status() != "sent" {
		t.Fatalf("invite = %+v", inv)
	}
	if inv.Network != "ropsten" || inv.FromAddress != aliceAddr.Hex() || inv.ToAddress != bobAddr.Hex() {
		t.Errorf("invite = %+v", inv)
	}
	if inv.Stake == nil || inv.Stake.Amount != "1000000000000000000" || inv.Stake.State != identity.StakeStaked {
		t.Errorf("stake = %+v", inv.Stake)
	}
	if evs := changes(env.drain()); len(evs) != 1 || evs[0] != notify.InviteSent {
		t.Errorf("events = %v, want [inviteSent]", evs)
	}

	sent := env.gw.sentCalls()
	if len(sent) != 1 || sent[0].Method != "sendInvite" {
		t.Fatalf("sent = %+v", sent)
	}
	args := sent[0].Args
	if args[0] != bobAddr || args[1] != peer.PublicFeed || args[2] != aliceFeedHash {
		t.Errorf("args = %v", args)
	}

	payload, err := env.feeds.GetFeedValue(ctx, env.alice.FirstContactAddress, crypto.FeedTopic(peer.PublicKey))
	if err != nil || payload == nil {
		t.Fatalf("invite payload = %s, %v", payload, err)
	}
}

func TestSendInvite_Failure(t *testing.T) {
	env := newEnv(t)
	_, c := env.bobContact(t)
	env.gw.pending = func(_ ledger.Call, h common.Hash) *ledger.Pending {
		return failedPending(h, ledger.ErrReverted)
	}

	_, err := env.coord.SendInvite(context.Background(), env.alice.ID, c.ID)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("SendInvite error = %v, want ErrTransactionFailed", err)
	}
	if inv := env.contact(t, c.ID).Invite; inv != nil {
		t.Errorf("invite = %+v, want cleared", inv)
	}
	want := []notify.Change{notify.InviteSent, notify.InviteFailed}
	if evs := changes(env.drain()); len(evs) != 2 || evs[0] != want[0] || evs[1] != want[1] {
		t.Errorf("events = %v, want %v", evs, want)
	}
}

func TestSendInvite_ExistingInvite(t *testing.T) {
	tests := []struct {
		name   string
		invite func(*testing.T) *identity.Invite
		want   error
	}{
		{"accepted awaiting reclaim", acceptedInvite, ErrAlreadyInvited},
		{"sent", func(t *testing.T) *identity.Invite {
			inv := acceptedInvite(t)
			inv.AcceptedSignature = ""
			return inv
		}, ErrAlreadyInvited},
		{"seized", func(t *testing.T) *identity.Invite {
			inv := acceptedInvite(t)
			inv.Stake.State = identity.StakeSeized
			return inv
		}, ErrIllegalTransition},
		{"reclaimed", func(t *testing.T) *identity.Invite {
			inv := acceptedInvite(t)
			inv.Stake.State = identity.StakeReclaimed
			inv.Stake.ReclaimedTX = "0x02"
			return inv
		}, ErrIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			_, c := env.bobContact(t)
			inv := tt.invite(t)
			env.setInvite(t, c.ID, inv)
			env.drain()
			env.gw.sendErr = errBoom

			_, err := env.coord.SendInvite(context.Background(), env.alice.ID, c.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if len(env.gw.sentCalls()) != 0 {
				t.Error("transaction submitted")
			}
			got := env.contact(t, c.ID).Invite
			if got == nil || got.InviteTX != inv.InviteTX || got.AcceptedSignature != inv.AcceptedSignature {
				t.Fatalf("invite = %+v, want %+v", got, inv)
			}
			if got.Stake == nil || got.Stake.State != inv.Stake.State {
				t.Errorf("stake = %+v, want state %s", got.Stake, inv.Stake.State)
			}
			if evs := env.drain(); len(evs) != 0 {
				t.Errorf("events = %v, want none", changes(evs))
			}
		})
	}
}

func TestSendInvite_FailureKeepsPrivateFeed(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*fakeGateway)
	}{
		{"send rejected", func(g *fakeGateway) { g.sendErr = errBoom }},
		{"reverted", func(g *fakeGateway) {
			g.pending = func(_ ledger.Call, h common.Hash) *ledger.Pending {
				return failedPending(h, ledger.ErrReverted)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			_, c := env.bobContact(t)
			env.setInvite(t, c.ID, &identity.Invite{PrivateFeed: "feed-1"})
			tt.prepare(env.gw)

			if _, err := env.coord.SendInvite(context.Background(), env.alice.ID, c.ID); !errors.Is(err, ErrTransactionFailed) {
				t.Fatalf("error = %v, want ErrTransactionFailed", err)
			}
			got := env.contact(t, c.ID).Invite
			if got == nil || got.PrivateFeed != "feed-1" || got.InviteTX != "" || got.Stake != nil {
				t.Errorf("invite = %+v, want the partial invite back", got)
			}
		})
	}
}

func TestSendInvite_Preconditions(t *testing.T) {
	t.Run("insufficient balance", func(t *testing.T) {
		env := newEnv(t)
		_, c := env.bobContact(t)
		env.gw.balance = big.NewInt(1)

		_, err := env.coord.SendInvite(context.Background(), env.alice.ID, c.ID)
		if !errors.Is(err, ErrInsufficientBalance) || !errors.Is(err, ErrPrecondition) {
			t.Fatalf("error = %v, want ErrInsufficientBalance", err)
		}
		if len(env.gw.sentCalls()) != 0 {
			t.Error("transaction submitted")
		}
	})

	t.Run("peer without ledger address", func(t *testing.T) {
		env := newEnv(t)
		peer, err := env.store.AddPeer(identity.PeerUser{PublicFeed: "carol-feed", Name: "carol"})
		if err != nil {
			t.Fatal(err)
		}
		c, err := env.store.AddContact(env.alice.ID, peer.ID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.coord.SendInvite(context.Background(), env.alice.ID, c.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown contact", func(t *testing.T) {
		env := newEnv(t)
		if _, err := env.coord.SendInvite(context.Background(), env.alice.ID, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestSendInviteApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("allowance covers stake", func(t *testing.T) {
		env := newEnv(t)
		_, c := env.bobContact(t)
		env.gw.allowance = big.NewInt(2e18)

		hash, err := env.coord.SendInviteApproval(ctx, env.alice.ID, c.ID, nil)
		if err != nil {
			t.Fatalf("SendInviteApproval: %v", err)
		}
		if hash != (common.Hash{}) || len(env.gw.sentCalls()) != 0 {
			t.Errorf("hash %s, %d calls; want zero hash and no calls", hash.Hex(), len(env.gw.sentCalls()))
		}
	})

	t.Run("approves stake", func(t *testing.T) {
		env := newEnv(t)
		_, c := env.bobContact(t)
		gasPrice := big.NewInt(3e9)

		hash, err := env.coord.SendInviteApproval(ctx, env.alice.ID, c.ID, gasPrice)
		if err != nil {
			t.Fatalf("SendInviteApproval: %v", err)
		}
		sent := env.gw.sentCalls()
		if len(sent) != 1 || hash == (common.Hash{}) {
			t.Fatalf("sent = %+v, hash %s", sent, hash.Hex())
		}
		call := sent[0]
		if call.Contract != ledger.ContractToken || call.Method != "approve" || call.GasPrice.Cmp(gasPrice) != 0 {
			t.Errorf("call = %+v", call)
		}
		if call.Args[0] != env.gw.invites || call.Args[1].(*big.Int).Cmp(env.gw.stake) != 0 {
			t.Errorf("args = %v", call.Args)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		env := newEnv(t)
		_, c := env.bobContact(t)
		env.gw.balance = new(big.Int)
		if _, err := env.coord.SendInviteApproval(ctx, env.alice.ID, c.ID, nil); !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("error = %v, want ErrInsufficientBalance", err)
		}
	})
}

func TestCheckAllowance(t *testing.T) {
	env := newEnv(t)
	tests := []struct {
		allowance int64
		want      bool
	}{
		{0, false},
		{1e18 - 1, false},
		{1e18, true},
		{2e18, true},
	}
	for _, tt := range tests {
		env.gw.allowance = big.NewInt(tt.allowance)
		got, err := env.coord.CheckAllowance(context.Background(), aliceAddr)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("allowance %d: got %v, want %v", tt.allowance, got, tt.want)
		}
	}
}

func receivedRequest(t *testing.T, env *testEnv) string {
	t.Helper()
	env.publishBob(t)
	if err := env.sm.HandleInvited(context.Background(), env.alice, decodeInvited(t, 700)); err != nil {
		t.Fatal(err)
	}
	env.drain()
	return crypto.PeerID(bobFeed)
}

func TestDeclineContactInvite(t *testing.T) {
	env := newEnv(t)
	peerID := receivedRequest(t, env)

	hash, err := env.coord.DeclineContactInvite(context.Background(), env.alice.ID, peerID)
	if err != nil {
		t.Fatalf("DeclineContactInvite: %v", err)
	}
	req, err := env.store.InviteRequest(env.alice.ID, peerID)
	if err != nil {
		t.Fatal(err)
	}
	if req.RejectedTXHash != hash.Hex() {
		t.Errorf("RejectedTXHash = %q, want %s", req.RejectedTXHash, hash.Hex())
	}

	call := env.gw.sentCalls()[0]
	if call.Method != "declineAndWithdraw" || call.From != aliceAddr {
		t.Errorf("call = %s from %s", call.Method, call.From.Hex())
	}
	if call.Args[0] != bobAddr || call.Args[1] != bobFeed || call.Args[2] != aliceFeedHash {
		t.Errorf("args = %v", call.Args)
	}
}

func TestDeclineContactInvite_WrongNetwork(t *testing.T) {
	env := newEnv(t)
	peerID := receivedRequest(t, env)
	env.gw.net = ledger.Network{ID: 1337, Name: "ganache"}

	if _, err := env.coord.DeclineContactInvite(context.Background(), env.alice.ID, peerID); !errors.Is(err, ErrWrongNetwork) {
		t.Fatalf("error = %v, want ErrWrongNetwork", err)
	}
	if len(env.gw.sentCalls()) != 0 {
		t.Error("transaction submitted")
	}
}

func TestDeclineContactInvite_AlreadyDeclined(t *testing.T) {
	env := newEnv(t)
	peerID := receivedRequest(t, env)
	ctx := context.Background()

	first, err := env.coord.DeclineContactInvite(ctx, env.alice.ID, peerID)
	if err != nil {
		t.Fatalf("DeclineContactInvite: %v", err)
	}
	env.drain()

	if _, err := env.coord.DeclineContactInvite(ctx, env.alice.ID, peerID); !errors.Is(err, ErrAlreadyDeclined) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("second decline error = %v, want ErrAlreadyDeclined", err)
	}
	if n := len(env.gw.sentCalls()); n != 1 {
		t.Errorf("%d transactions submitted, want 1", n)
	}
	req, err := env.store.InviteRequest(env.alice.ID, peerID)
	if err != nil {
		t.Fatal(err)
	}
	if req.RejectedTXHash != first.Hex() {
		t.Errorf("RejectedTXHash = %q, want %s", req.RejectedTXHash, first.Hex())
	}
	if evs := env.drain(); len(evs) != 0 {
		t.Errorf("events = %v, want none", changes(evs))
	}
}
