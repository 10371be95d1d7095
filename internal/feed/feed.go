// Package feed is a small content-addressed feed store: values are keyed by
// (address, topic), replicated between nodes over gossip, and the newest
// sequence number wins.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// Reader reads feed values.
type Reader interface {
	// GetFeedValue returns the content at (address, topic), or nil if absent.
	GetFeedValue(ctx context.Context, address, topic string) ([]byte, error)
}

// Writer writes feed values.
type Writer interface {
	SetFeedValue(ctx context.Context, address, topic string, content []byte) error
}

// Entry is one feed value as stored and gossiped.
type Entry struct {
	Address string `json:"address"`
	Topic   string `json:"topic"`
	Content []byte `json:"content"`
	Seq     uint64 `json:"seq"`
}

// LocalStore keeps feed entries in a storage.DB.
type LocalStore struct {
	mu sync.Mutex
	db storage.DB
}

// NewLocalStore creates a feed store over db.
func NewLocalStore(db storage.DB) *LocalStore {
	return &LocalStore{db: db}
}

func entryKey(address, topic string) []byte {
	return []byte(address + "/" + topic)
}

// Get returns the stored entry, or nil if absent.
func (s *LocalStore) Get(address, topic string) (*Entry, error) {
	data, err := s.db.Get(entryKey(address, topic))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feed get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("feed unmarshal: %w", err)
	}
	return &e, nil
}

// Put stores e if it is newer than the stored entry. It reports whether e
// was stored.
func (s *LocalStore) Put(e *Entry) (bool, error) {
	if e.Address == "" || e.Topic == "" {
		return false, fmt.Errorf("feed entry needs address and topic")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(e.Address, e.Topic)
	if err != nil {
		return false, err
	}
	if cur != nil && cur.Seq >= e.Seq {
		return false, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("feed marshal: %w", err)
	}
	if err := s.db.Put(entryKey(e.Address, e.Topic), data); err != nil {
		return false, fmt.Errorf("feed put: %w", err)
	}
	return true, nil
}

// GetFeedValue implements Reader.
func (s *LocalStore) GetFeedValue(_ context.Context, address, topic string) ([]byte, error) {
	e, err := s.Get(address, topic)
	if err != nil || e == nil {
		return nil, err
	}
	return e.Content, nil
}

// SetFeedValue implements Writer with the next sequence number.
func (s *LocalStore) SetFeedValue(_ context.Context, address, topic string, content []byte) error {
	_, err := s.next(address, topic, content)
	return err
}

func (s *LocalStore) next(address, topic string, content []byte) (*Entry, error) {
	cur, err := s.Get(address, topic)
	if err != nil {
		return nil, err
	}
	e := &Entry{Address: address, Topic: topic, Content: content, Seq: 1}
	if cur != nil {
		e.Seq = cur.Seq + 1
	}
	if _, err := s.Put(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Profile is the public profile a user publishes on their public feed.
type Profile struct {
	Name                string `json:"name"`
	FirstContactAddress string `json:"firstContactAddress"`
	EthAddress          string `json:"ethAddress,omitempty"`
	PublicKey           string `json:"publicKey,omitempty"`
}

// ProfileTopic is the topic a public feed stores its profile at.
var ProfileTopic = crypto.FeedTopic("profile")

// ErrNoProfile is returned when a public feed has no profile.
var ErrNoProfile = errors.New("feed: profile not found")

// ResolveProfile reads the profile published at publicFeed.
func ResolveProfile(ctx context.Context, r Reader, publicFeed string) (*Profile, error) {
	data, err := r.GetFeedValue(ctx, publicFeed, ProfileTopic)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProfile, publicFeed)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// PublishProfile writes p at publicFeed.
func PublishProfile(ctx context.Context, w Writer, publicFeed string, p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return w.SetFeedValue(ctx, publicFeed, ProfileTopic, data)
}

// InvitePayload is the off-ledger half of an invite, written by the sender
// at its first contact address under the recipient's key topic.
type InvitePayload struct {
	PrivateFeed string `json:"privateFeed"`
}

// ParseInvitePayload decodes an invite payload.
func ParseInvitePayload(data []byte) (*InvitePayload, error) {
	var p InvitePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode invite payload: %w", err)
	}
	return &p, nil
}

// PublishInvitePayload writes p for the recipient with the given public key.
func PublishInvitePayload(ctx context.Context, w Writer, firstContactAddress, recipientPublicKey string, p *InvitePayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode invite payload: %w", err)
	}
	return w.SetFeedValue(ctx, firstContactAddress, crypto.FeedTopic(recipientPublicKey), data)
}
