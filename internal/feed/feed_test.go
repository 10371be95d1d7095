package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

func TestLocalStore_Absent(t *testing.T) {
	s := NewLocalStore(storage.NewMemory())
	v, err := s.GetFeedValue(context.Background(), "addr", "topic")
	if err != nil || v != nil {
		t.Fatalf("GetFeedValue(absent) = %q, %v; want nil, nil", v, err)
	}
}

func TestLocalStore_SequenceWins(t *testing.T) {
	s := NewLocalStore(storage.NewMemory())
	ctx := context.Background()

	if err := s.SetFeedValue(ctx, "addr", "topic", []byte("one")); err != nil {
		t.Fatalf("SetFeedValue: %v", err)
	}
	if err := s.SetFeedValue(ctx, "addr", "topic", []byte("two")); err != nil {
		t.Fatalf("SetFeedValue: %v", err)
	}
	e, _ := s.Get("addr", "topic")
	if e.Seq != 2 || string(e.Content) != "two" {
		t.Fatalf("entry = %+v, want seq 2 content two", e)
	}

	stored, err := s.Put(&Entry{Address: "addr", Topic: "topic", Content: []byte("stale"), Seq: 1})
	if err != nil || stored {
		t.Fatalf("Put(stale) = %v, %v; want false", stored, err)
	}
	stored, err = s.Put(&Entry{Address: "addr", Topic: "topic", Content: []byte("newer"), Seq: 9})
	if err != nil || !stored {
		t.Fatalf("Put(newer) = %v, %v; want true", stored, err)
	}
	v, _ := s.GetFeedValue(ctx, "addr", "topic")
	if string(v) != "newer" {
		t.Errorf("GetFeedValue = %q, want newer", v)
	}

	if _, err := s.Put(&Entry{Topic: "t"}); err == nil {
		t.Error("Put without address should fail")
	}
}

type capturePublisher struct {
	msgs [][]byte
	err  error
}

func (c *capturePublisher) PublishFeed(_ context.Context, data []byte) error {
	c.msgs = append(c.msgs, data)
	return c.err
}

func TestGossipStore_Replicates(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	a := NewGossipStore(NewLocalStore(storage.NewMemory()), pub)
	b := NewGossipStore(NewLocalStore(storage.NewMemory()), &capturePublisher{})

	if err := a.SetFeedValue(ctx, "addr", "topic", []byte("hello")); err != nil {
		t.Fatalf("SetFeedValue: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	if err := b.HandleMessage(pub.msgs[0]); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	v, _ := b.GetFeedValue(ctx, "addr", "topic")
	if string(v) != "hello" {
		t.Errorf("replica value = %q, want hello", v)
	}

	// Redelivery is harmless.
	if err := b.HandleMessage(pub.msgs[0]); err != nil {
		t.Fatalf("HandleMessage again: %v", err)
	}
	if err := b.HandleMessage([]byte("not json")); err == nil {
		t.Error("HandleMessage(garbage) should fail")
	}
}

func TestGossipStore_PublishFailureKeepsLocal(t *testing.T) {
	pub := &capturePublisher{err: errors.New("no peers")}
	g := NewGossipStore(NewLocalStore(storage.NewMemory()), pub)
	if err := g.SetFeedValue(context.Background(), "a", "t", []byte("v")); err != nil {
		t.Fatalf("SetFeedValue: %v", err)
	}
	if v, _ := g.GetFeedValue(context.Background(), "a", "t"); string(v) != "v" {
		t.Errorf("local value = %q, want v", v)
	}
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(storage.NewMemory())

	if _, err := ResolveProfile(ctx, s, "feed-bob"); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("ResolveProfile(absent) error = %v, want ErrNoProfile", err)
	}

	want := &Profile{Name: "bob", FirstContactAddress: "fca-bob", EthAddress: "0xb0b", PublicKey: "pk-bob"}
	if err := PublishProfile(ctx, s, "feed-bob", want); err != nil {
		t.Fatalf("PublishProfile: %v", err)
	}
	got, err := ResolveProfile(ctx, s, "feed-bob")
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if *got != *want {
		t.Errorf("ResolveProfile = %+v, want %+v", got, want)
	}
}

func TestInvitePayload(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(storage.NewMemory())

	if err := PublishInvitePayload(ctx, s, "fca-bob", "pk-alice", &InvitePayload{PrivateFeed: "pf-1"}); err != nil {
		t.Fatalf("PublishInvitePayload: %v", err)
	}
	raw, err := s.GetFeedValue(ctx, "fca-bob", crypto.FeedTopic("pk-alice"))
	if err != nil || raw == nil {
		t.Fatalf("GetFeedValue = %q, %v", raw, err)
	}

	var wire map[string]string
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["privateFeed"] != "pf-1" {
		t.Errorf("wire payload = %v, want privateFeed key", wire)
	}

	p, err := ParseInvitePayload(raw)
	if err != nil || p.PrivateFeed != "pf-1" {
		t.Errorf("ParseInvitePayload = %+v, %v", p, err)
	}
}
