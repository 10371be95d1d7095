package invites

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/Klingon-tech/klingnet-invites/internal/wallet"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

var errBoom = errors.New("boom")

// fakeGateway is an in-memory ledger.
type fakeGateway struct {
	mu sync.Mutex

	net        ledger.Network
	netErr     error
	latest     uint64
	creation   uint64
	stake      *big.Int
	allowance  *big.Int
	balance    *big.Int
	state      string
	stateCalls int
	invites    common.Address

	logs      map[ledger.EventKind][]types.Log
	ranges    map[ledger.EventKind][]BlockRange
	filterErr func(kind ledger.EventKind, from, to uint64) error

	subErr error
	subs   []*fakeSub

	sendErr error
	pending func(call ledger.Call, hash common.Hash) *ledger.Pending
	sent    []ledger.Call
	params  []ledger.Call
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		net:       ledger.Network{ID: 3, Name: "ropsten"},
		latest:    2500,
		creation:  100,
		stake:     big.NewInt(1e18),
		allowance: new(big.Int),
		balance:   big.NewInt(5e18),
		state:     ledger.InviteStatePending,
		invites:   common.HexToAddress("0x33e16EFEA57968BC91fd5D9Db20068d5E4af5515"),
		logs:      make(map[ledger.EventKind][]types.Log),
		ranges:    make(map[ledger.EventKind][]BlockRange),
	}
}

func (g *fakeGateway) Network(context.Context) (ledger.Network, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.net, g.netErr
}

func (g *fakeGateway) LatestBlock(context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest, nil
}

func (g *fakeGateway) CreationBlock(context.Context) (uint64, error) {
	return g.creation, nil
}

func (g *fakeGateway) InvitesAddress(context.Context) (common.Address, error) {
	return g.invites, nil
}

func (g *fakeGateway) RequiredStake(context.Context) (*big.Int, error) {
	return new(big.Int).Set(g.stake), nil
}

func (g *fakeGateway) InviteState(context.Context, common.Address, common.Address, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateCalls++
	return g.state, nil
}

func (g *fakeGateway) Allowance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(g.allowance), nil
}

func (g *fakeGateway) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(g.balance), nil
}

func (g *fakeGateway) addLog(kind ledger.EventKind, l types.Log) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logs[kind] = append(g.logs[kind], l)
}

func (g *fakeGateway) queried(kind ledger.EventKind) []BlockRange {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]BlockRange(nil), g.ranges[kind]...)
}

func (g *fakeGateway) FilterLogs(_ context.Context, kind ledger.EventKind, from, to uint64, topic common.Hash) ([]types.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ranges[kind] = append(g.ranges[kind], BlockRange{From: from, To: to})
	if g.filterErr != nil {
		if err := g.filterErr(kind, from, to); err != nil {
			return nil, err
		}
	}
	var out []types.Log
	for _, l := range g.logs[kind] {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(l.Topics) > 1 && l.Topics[1] != topic {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

type fakeSub struct {
	kind   ledger.EventKind
	sink   chan<- types.Log
	errc   chan error
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.errc)
	}
}

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (g *fakeGateway) SubscribeLogs(_ context.Context, kind ledger.EventKind, _ common.Hash, sink chan<- types.Log) (ledger.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subErr != nil {
		return nil, g.subErr
	}
	s := &fakeSub{kind: kind, sink: sink, errc: make(chan error, 1)}
	g.subs = append(g.subs, s)
	return s, nil
}

func (g *fakeGateway) sub(kind ledger.EventKind) *fakeSub {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.subs {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (g *fakeGateway) TxParams(_ context.Context, call ledger.Call) (*ledger.TxParams, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = append(g.params, call)
	return &ledger.TxParams{
		From:     call.From,
		To:       g.invites,
		Data:     "0x" + call.Method,
		Gas:      21000,
		GasPrice: big.NewInt(2e9),
		Nonce:    7,
	}, nil
}

func (g *fakeGateway) Send(_ context.Context, call ledger.Call) (*ledger.Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.sent = append(g.sent, call)
	h := common.BigToHash(big.NewInt(int64(len(g.sent))))
	if g.pending != nil {
		return g.pending(call, h), nil
	}
	return minedPending(h), nil
}

func (g *fakeGateway) sentCalls() []ledger.Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ledger.Call(nil), g.sent...)
}

func minedPending(h common.Hash) *ledger.Pending {
	p := ledger.NewPending()
	p.SetHash(h)
	p.Mined(h)
	return p
}

func failedPending(h common.Hash, err error) *ledger.Pending {
	p := ledger.NewPending()
	p.SetHash(h)
	p.Fail(err)
	return p
}

// --- Fixtures ---

var (
	aliceKey = mustKey(0x11)
	bobKey   = mustKey(0x22)

	aliceAddr = aliceKey.Address()
	bobAddr   = bobKey.Address()
)

const (
	aliceFeed     = "alice-feed"
	aliceFeedHash = "alice-hash"
	aliceKeyTopic = "alice-pk"
	bobFeed       = "bob-feed"
	bobFCA        = "bob-first-contact"
)

func mustKey(b byte) *crypto.PrivateKey {
	pk, err := crypto.PrivateKeyFromBytes(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		panic(err)
	}
	return pk
}

type testEnv struct {
	store    *identity.Store
	gw       *fakeGateway
	feeds    *feed.LocalStore
	wallet   *wallet.Wallet
	notifier *notify.Notifier
	events   *notify.Observer
	sm       *StateMachine
	coord    *Coordinator
	sync     *Synchronizer
	alice    *identity.OwnUser
}

func contractTable() ledger.ContractTable {
	return ledger.ContractTable{3: {Name: "ropsten", CreationBlock: 100}}
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemory()
	env := &testEnv{
		store:    identity.NewStore(storage.NewPrefixDB(db, []byte("id/"))),
		gw:       newFakeGateway(),
		feeds:    feed.NewLocalStore(storage.NewPrefixDB(db, []byte("feed/"))),
		wallet:   wallet.New(),
		notifier: notify.New(notify.DefaultBuffer),
	}
	env.wallet.Import(aliceKey)
	env.events = env.notifier.Observe()
	t.Cleanup(env.notifier.Close)

	env.sm = NewStateMachine(env.store, env.gw, env.feeds, env.wallet, env.notifier)
	env.coord = NewCoordinator(env.store, env.gw, env.feeds, env.notifier)
	env.sync = NewSynchronizer(env.store, env.gw, env.sm, contractTable(), DefaultBatchSize)

	alice, err := env.store.CreateOwnUser(identity.OwnUser{
		Name:                "alice",
		PublicFeed:          identity.PublicFeed{Feed: aliceFeed, FeedHash: aliceFeedHash},
		PublicKey:           aliceKeyTopic,
		FirstContactAddress: "alice-first-contact",
		EthAddress:          aliceAddr.Hex(),
	})
	if err != nil {
		t.Fatalf("CreateOwnUser: %v", err)
	}
	env.alice = alice
	return env
}

// publishBob publishes bob's profile and his invite payload for alice.
func (e *testEnv) publishBob(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	err := feed.PublishProfile(ctx, e.feeds, bobFeed, &feed.Profile{
		Name:                "bob",
		FirstContactAddress: bobFCA,
		EthAddress:          bobAddr.Hex(),
		PublicKey:           "bob-pk",
	})
	if err != nil {
		t.Fatalf("PublishProfile: %v", err)
	}
	err = feed.PublishInvitePayload(ctx, e.feeds, bobFCA, aliceKeyTopic, &feed.InvitePayload{PrivateFeed: "private-1"})
	if err != nil {
		t.Fatalf("PublishInvitePayload: %v", err)
	}
}

// bobContact registers bob as alice's contact.
func (e *testEnv) bobContact(t *testing.T) (*identity.PeerUser, *identity.Contact) {
	t.Helper()
	peer, err := e.store.AddPeer(identity.PeerUser{
		PublicFeed:          bobFeed,
		FirstContactAddress: bobFCA,
		EthAddress:          bobAddr.Hex(),
		PublicKey:           "bob-pk",
		Name:                "bob",
	})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	c, err := e.store.AddContact(e.alice.ID, peer.ID)
	if err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	return peer, c
}

func (e *testEnv) setInvite(t *testing.T, contactID string, inv *identity.Invite) *identity.Contact {
	t.Helper()
	c, err := e.store.UpdateContact(e.alice.ID, contactID, func(c *identity.Contact) error {
		c.Invite = inv
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateContact: %v", err)
	}
	return c
}

func (e *testEnv) contact(t *testing.T, contactID string) *identity.Contact {
	t.Helper()
	c, err := e.store.Contact(e.alice.ID, contactID)
	if err != nil {
		t.Fatalf("Contact: %v", err)
	}
	return c
}

// drain returns the events published so far.
func (e *testEnv) drain() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-e.events.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// waitEvent blocks until an event with the given change arrives.
func (e *testEnv) waitEvent(t *testing.T, change notify.Change) notify.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.events.C:
			if ev.Change == change {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", change)
			return notify.Event{}
		}
	}
}

func changes(evs []notify.Event) []notify.Change {
	out := make([]notify.Change, len(evs))
	for i, ev := range evs {
		out[i] = ev.Change
	}
	return out
}

// invitedLog is bob's invite to alice at the given position.
func invitedLog(t *testing.T, block uint64, index uint) types.Log {
	t.Helper()
	l, err := ledger.InvitedLog(ledger.InvitedEvent{
		Position:          ledger.Position{Block: block, Index: index},
		SenderFeed:        bobFeed,
		SenderAddress:     bobAddr,
		RecipientFeed:     aliceFeed,
		RecipientAddress:  aliceAddr,
		RecipientFeedHash: crypto.FeedHash(aliceFeedHash),
	})
	if err != nil {
		t.Fatalf("InvitedLog: %v", err)
	}
	return l
}

// declinedLog is bob's decline of alice's invite.
func declinedLog(t *testing.T, block uint64) types.Log {
	t.Helper()
	l, err := ledger.DeclinedLog(ledger.DeclinedEvent{
		Position:         ledger.Position{Block: block},
		RecipientFeed:    bobFeed,
		RecipientAddress: bobAddr,
		SenderAddress:    aliceAddr,
		SenderFeedHash:   crypto.FeedHash(aliceFeedHash),
	})
	if err != nil {
		t.Fatalf("DeclinedLog: %v", err)
	}
	return l
}

// acceptSignature is bob's acceptance of an invite sent by alice.
func acceptSignature(t *testing.T) string {
	t.Helper()
	sig, err := bobKey.Sign(acceptMessage(aliceAddr))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27
	return crypto.EncodeSignature(sig)
}
