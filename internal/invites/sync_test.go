package invites

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

func equalRanges(a, b []BlockRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *testEnv) checkpoint(t *testing.T, kind ledger.EventKind) uint64 {
	t.Helper()
	cp, err := e.store.Checkpoint(e.alice.ID, string(kind), 3)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	return cp
}

func TestReplay_InviteInSecondBatch(t *testing.T) {
	env := newEnv(t)
	env.publishBob(t)
	if err := env.store.AdvanceCheckpoint(env.alice.ID, string(ledger.EventInvited), 3, 500); err != nil {
		t.Fatal(err)
	}
	env.gw.addLog(ledger.EventInvited, invitedLog(t, 1700, 0))

	topic := crypto.FeedHash(aliceFeedHash)
	if err := env.sync.Replay(context.Background(), env.alice, topic, ledger.EventInvited); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	want := []BlockRange{{500, 1500}, {1501, 2500}}
	if got := env.gw.queried(ledger.EventInvited); !equalRanges(got, want) {
		t.Errorf("queried %v, want %v", got, want)
	}
	if cp := env.checkpoint(t, ledger.EventInvited); cp != 2500 {
		t.Errorf("checkpoint = %d, want 2500", cp)
	}

	evs := env.drain()
	if len(evs) != 1 || evs[0].Kind != notify.InvitesChanged || evs[0].Change != notify.InviteReceived {
		t.Fatalf("events = %v, want one inviteReceived", changes(evs))
	}
	peerID := crypto.PeerID(bobFeed)
	if evs[0].PeerID != peerID {
		t.Errorf("event peer = %s, want %s", evs[0].PeerID, peerID)
	}

	req, err := env.store.InviteRequest(env.alice.ID, peerID)
	if err != nil {
		t.Fatalf("InviteRequest: %v", err)
	}
	if req.PrivateFeed != "private-1" || req.Network != "ropsten" {
		t.Errorf("request = %+v", req)
	}
	if req.SenderAddress != bobAddr.Hex() || req.ReceivedAddress != aliceAddr.Hex() {
		t.Errorf("request addresses = %s -> %s", req.SenderAddress, req.ReceivedAddress)
	}
}

func TestReplay_StartsAtCreationBlock(t *testing.T) {
	env := newEnv(t)
	topic := crypto.FeedHash(aliceFeedHash)
	if err := env.sync.Replay(context.Background(), env.alice, topic, ledger.EventInvited); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []BlockRange{{100, 1100}, {1101, 2101}, {2102, 2500}}
	if got := env.gw.queried(ledger.EventInvited); !equalRanges(got, want) {
		t.Errorf("queried %v, want %v", got, want)
	}
	if cp := env.checkpoint(t, ledger.EventInvited); cp != 2500 {
		t.Errorf("checkpoint = %d, want 2500", cp)
	}
}

func TestReplay_CreationBlockFromLedger(t *testing.T) {
	env := newEnv(t)
	env.gw.creation = 2000
	env.sync = NewSynchronizer(env.store, env.gw, env.sm, ledger.ContractTable{3: {Name: "ropsten"}}, 0)

	topic := crypto.FeedHash(aliceFeedHash)
	if err := env.sync.Replay(context.Background(), env.alice, topic, ledger.EventDeclined); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []BlockRange{{2000, 2500}}
	if got := env.gw.queried(ledger.EventDeclined); !equalRanges(got, want) {
		t.Errorf("queried %v, want %v", got, want)
	}
}

func TestReplay_FailureKeepsCheckpoint(t *testing.T) {
	env := newEnv(t)
	if err := env.store.AdvanceCheckpoint(env.alice.ID, string(ledger.EventInvited), 3, 500); err != nil {
		t.Fatal(err)
	}
	env.gw.filterErr = func(_ ledger.EventKind, from, _ uint64) error {
		if from == 1501 {
			return errBoom
		}
		return nil
	}

	topic := crypto.FeedHash(aliceFeedHash)
	err := env.sync.Replay(context.Background(), env.alice, topic, ledger.EventInvited)
	if !errors.Is(err, ErrSync) || !errors.Is(err, errBoom) {
		t.Fatalf("Replay error = %v, want ErrSync wrapping boom", err)
	}
	if cp := env.checkpoint(t, ledger.EventInvited); cp != 500 {
		t.Errorf("checkpoint = %d, want 500 after failure", cp)
	}
}

func TestReplay_RetryIsIdempotent(t *testing.T) {
	env := newEnv(t)
	env.publishBob(t)
	env.gw.addLog(ledger.EventInvited, invitedLog(t, 800, 0))
	fail := true
	env.gw.filterErr = func(_ ledger.EventKind, from, _ uint64) error {
		if fail && from > 1000 {
			return errBoom
		}
		return nil
	}

	ctx := context.Background()
	topic := crypto.FeedHash(aliceFeedHash)
	if err := env.sync.Replay(ctx, env.alice, topic, ledger.EventInvited); !errors.Is(err, ErrSync) {
		t.Fatalf("first Replay error = %v, want ErrSync", err)
	}
	fail = false
	if err := env.sync.Replay(ctx, env.alice, topic, ledger.EventInvited); err != nil {
		t.Fatalf("second Replay: %v", err)
	}

	if got := changes(env.drain()); len(got) != 1 || got[0] != notify.InviteReceived {
		t.Errorf("events = %v, want a single inviteReceived", got)
	}
	reqs, err := env.store.InviteRequests(env.alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Errorf("requests = %d, want 1", len(reqs))
	}
	if cp := env.checkpoint(t, ledger.EventInvited); cp != 2500 {
		t.Errorf("checkpoint = %d, want 2500", cp)
	}
}

func TestReplay_SkipsUndecodableLogs(t *testing.T) {
	env := newEnv(t)
	topic := crypto.FeedHash(aliceFeedHash)
	env.gw.addLog(ledger.EventInvited, types.Log{
		Topics:      []common.Hash{ledger.EventID(ledger.EventInvited), topic},
		Data:        []byte{0x01, 0x02},
		BlockNumber: 300,
	})

	if err := env.sync.Replay(context.Background(), env.alice, topic, ledger.EventInvited); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if cp := env.checkpoint(t, ledger.EventInvited); cp != 2500 {
		t.Errorf("checkpoint = %d, want 2500", cp)
	}
}

func TestReplay_UnsupportedNetwork(t *testing.T) {
	env := newEnv(t)
	env.gw.net = ledger.Network{ID: 42, Name: "chain-42"}

	err := env.sync.Replay(context.Background(), env.alice, crypto.FeedHash(aliceFeedHash), ledger.EventInvited)
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("Replay error = %v, want ErrUnsupportedNetwork", err)
	}
	if got := env.gw.queried(ledger.EventInvited); len(got) != 0 {
		t.Errorf("queried %v, want nothing", got)
	}
}

// recordingHandler records the order logs are handed over in.
type recordingHandler struct {
	seen []ledger.Position
}

func (h *recordingHandler) HandleLog(_ context.Context, _ *identity.OwnUser, _ ledger.EventKind, l types.Log) error {
	h.seen = append(h.seen, ledger.Position{Block: l.BlockNumber, Index: l.Index})
	return nil
}

func TestReplay_AscendingOrder(t *testing.T) {
	env := newEnv(t)
	for _, pos := range []ledger.Position{{Block: 900, Index: 2}, {Block: 150}, {Block: 900, Index: 1}} {
		env.gw.addLog(ledger.EventInvited, invitedLog(t, pos.Block, pos.Index))
	}
	h := &recordingHandler{}
	s := NewSynchronizer(env.store, env.gw, h, contractTable(), 0)

	if err := s.Replay(context.Background(), env.alice, crypto.FeedHash(aliceFeedHash), ledger.EventInvited); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []ledger.Position{{Block: 150}, {Block: 900, Index: 1}, {Block: 900, Index: 2}}
	if len(h.seen) != len(want) {
		t.Fatalf("seen %v, want %v", h.seen, want)
	}
	for i := range want {
		if h.seen[i] != want[i] {
			t.Errorf("seen[%d] = %+v, want %+v", i, h.seen[i], want[i])
		}
	}
}

func TestReplayAll(t *testing.T) {
	env := newEnv(t)
	if err := env.sync.ReplayAll(context.Background(), env.alice, crypto.FeedHash(aliceFeedHash)); err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	for _, kind := range []ledger.EventKind{ledger.EventInvited, ledger.EventDeclined} {
		if cp := env.checkpoint(t, kind); cp != 2500 {
			t.Errorf("%s checkpoint = %d, want 2500", kind, cp)
		}
	}
}
