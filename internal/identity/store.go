package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingnet-invites/internal/storage"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// Key layout:
//
//	u/<userID>              -> OwnUser JSON
//	p/<peerID>              -> PeerUser JSON
//	c/<userID>/<contactID>  -> Contact JSON
//	cp/<userID>/<peerID>    -> contactID
//	ir/<userID>/<peerID>    -> InviteRequest JSON
const (
	prefixUser          = "u/"
	prefixPeer          = "p/"
	prefixContact       = "c/"
	prefixContactByPeer = "cp/"
	prefixInviteRequest = "ir/"
)

// Store persists identity records. Read-modify-write operations are
// serialized so concurrent replay and live handlers see consistent state.
type Store struct {
	mu sync.Mutex
	db storage.DB
}

// NewStore creates an identity store over db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// --- Own users ---

// CreateOwnUser registers u under a generated ID with empty checkpoints.
func (s *Store) CreateOwnUser(u OwnUser) (*OwnUser, error) {
	u.ID = uuid.NewString()
	u.EventCheckpoints = map[string]uint64{}
	if u.EthAddress != "" && len(u.Accounts) == 0 {
		u.Accounts = []string{u.EthAddress}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(prefixUser+u.ID, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// OwnUser returns the own user with the given ID.
func (s *Store) OwnUser(id string) (*OwnUser, error) {
	var u OwnUser
	if err := s.get(prefixUser+id, &u); err != nil {
		return nil, fmt.Errorf("own user %s: %w", id, err)
	}
	return &u, nil
}

// OwnUsers lists all own users.
func (s *Store) OwnUsers() ([]*OwnUser, error) {
	users := []*OwnUser{}
	err := s.db.ForEach([]byte(prefixUser), func(_, value []byte) error {
		var u OwnUser
		if err := json.Unmarshal(value, &u); err != nil {
			return nil // Skip corrupt entries.
		}
		users = append(users, &u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list own users: %w", err)
	}
	return users, nil
}

// Checkpoint returns the last fully replayed block for an event type on a
// network, or 0 if none was recorded.
func (s *Store) Checkpoint(userID, eventType string, networkID uint64) (uint64, error) {
	u, err := s.OwnUser(userID)
	if err != nil {
		return 0, err
	}
	return u.EventCheckpoints[CheckpointKey(eventType, networkID)], nil
}

// AdvanceCheckpoint records block as the checkpoint for an event type on a
// network. A block below the stored checkpoint is ignored.
func (s *Store) AdvanceCheckpoint(userID, eventType string, networkID uint64, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var u OwnUser
	if err := s.get(prefixUser+userID, &u); err != nil {
		return fmt.Errorf("own user %s: %w", userID, err)
	}
	key := CheckpointKey(eventType, networkID)
	if u.EventCheckpoints == nil {
		u.EventCheckpoints = map[string]uint64{}
	}
	if cur, ok := u.EventCheckpoints[key]; ok && block <= cur {
		return nil
	}
	u.EventCheckpoints[key] = block
	return s.put(prefixUser+userID, &u)
}

// --- Peers ---

// AddPeer registers a peer. The ID is derived from the public feed, so
// adding the same feed twice updates the existing record.
func (s *Store) AddPeer(p PeerUser) (*PeerUser, error) {
	if p.PublicFeed == "" {
		return nil, fmt.Errorf("add peer: empty public feed")
	}
	p.ID = crypto.PeerID(p.PublicFeed)

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing PeerUser
	err := s.get(prefixPeer+p.ID, &existing)
	switch {
	case err == nil:
		if p.FirstContactAddress == "" {
			p.FirstContactAddress = existing.FirstContactAddress
		}
		if p.EthAddress == "" {
			p.EthAddress = existing.EthAddress
		}
		if p.Name == "" {
			p.Name = existing.Name
		}
		if p.PublicKey == "" {
			p.PublicKey = existing.PublicKey
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	if err := s.put(prefixPeer+p.ID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PeerUser returns the peer with the given ID.
func (s *Store) PeerUser(id string) (*PeerUser, error) {
	var p PeerUser
	if err := s.get(prefixPeer+id, &p); err != nil {
		return nil, fmt.Errorf("peer %s: %w", id, err)
	}
	return &p, nil
}

// PeerByFeed returns the peer owning the given public feed.
func (s *Store) PeerByFeed(publicFeed string) (*PeerUser, error) {
	return s.PeerUser(crypto.PeerID(publicFeed))
}

// --- Contacts ---

// AddContact links a user to a peer. Adding an existing link returns the
// existing contact.
func (s *Store) AddContact(userID, peerID string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, err := s.contactByPeer(userID, peerID); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c := &Contact{ID: uuid.NewString(), UserID: userID, PeerID: peerID}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("contact marshal: %w", err)
	}
	if err := s.write(func(w writer) error {
		if err := w.Put(contactKey(userID, c.ID), data); err != nil {
			return err
		}
		return w.Put(contactByPeerKey(userID, peerID), []byte(c.ID))
	}); err != nil {
		return nil, fmt.Errorf("add contact: %w", err)
	}
	return c, nil
}

// Contact returns a user's contact by ID.
func (s *Store) Contact(userID, contactID string) (*Contact, error) {
	var c Contact
	if err := s.get(string(contactKey(userID, contactID)), &c); err != nil {
		return nil, fmt.Errorf("contact %s: %w", contactID, err)
	}
	return &c, nil
}

// ContactByPeer returns the contact linking a user to a peer.
func (s *Store) ContactByPeer(userID, peerID string) (*Contact, error) {
	return s.contactByPeer(userID, peerID)
}

func (s *Store) contactByPeer(userID, peerID string) (*Contact, error) {
	id, err := s.db.Get(contactByPeerKey(userID, peerID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("contact for peer %s: %w", peerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("contact index: %w", err)
	}
	return s.Contact(userID, string(id))
}

// Contacts lists a user's contacts.
func (s *Store) Contacts(userID string) ([]*Contact, error) {
	contacts := []*Contact{}
	err := s.db.ForEach([]byte(prefixContact+userID+"/"), func(_, value []byte) error {
		var c Contact
		if err := json.Unmarshal(value, &c); err != nil {
			return nil // Skip corrupt entries.
		}
		contacts = append(contacts, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// UpdateContact loads a contact, applies fn and persists the result as one
// serialized step. If fn returns an error nothing is written.
func (s *Store) UpdateContact(userID, contactID string, fn func(*Contact) error) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(contactKey(userID, contactID))
	var c Contact
	if err := s.get(key, &c); err != nil {
		return nil, fmt.Errorf("contact %s: %w", contactID, err)
	}
	if err := fn(&c); err != nil {
		return nil, err
	}
	if err := s.put(key, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Invite requests ---

// InviteRequest returns the pending request from a peer.
func (s *Store) InviteRequest(userID, peerID string) (*InviteRequest, error) {
	var r InviteRequest
	if err := s.get(inviteRequestKey(userID, peerID), &r); err != nil {
		return nil, fmt.Errorf("invite request from %s: %w", peerID, err)
	}
	return &r, nil
}

// InviteRequests lists a user's invite requests.
func (s *Store) InviteRequests(userID string) ([]*InviteRequest, error) {
	reqs := []*InviteRequest{}
	err := s.db.ForEach([]byte(prefixInviteRequest+userID+"/"), func(_, value []byte) error {
		var r InviteRequest
		if err := json.Unmarshal(value, &r); err != nil {
			return nil // Skip corrupt entries.
		}
		reqs = append(reqs, &r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list invite requests: %w", err)
	}
	return reqs, nil
}

// SetInviteRequestIfAbsent stores r unless a request from the same peer
// already exists. It reports whether r was stored.
func (s *Store) SetInviteRequestIfAbsent(r *InviteRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inviteRequestKey(r.UserID, r.PeerID)
	ok, err := s.db.Has([]byte(key))
	if err != nil {
		return false, fmt.Errorf("invite request lookup: %w", err)
	}
	if ok {
		return false, nil
	}
	if err := s.put(key, r); err != nil {
		return false, err
	}
	return true, nil
}

// SaveInviteRequest overwrites an invite request.
func (s *Store) SaveInviteRequest(r *InviteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(inviteRequestKey(r.UserID, r.PeerID), r)
}

// --- helpers ---

func (s *Store) get(key string, v any) error {
	data, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("identity get: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("identity unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("identity marshal: %w", err)
	}
	if err := s.db.Put([]byte(key), data); err != nil {
		return fmt.Errorf("identity put: %w", err)
	}
	return nil
}

type writer interface {
	Put(key, value []byte) error
}

// write applies fn through a batch when the database supports one.
func (s *Store) write(fn func(writer) error) error {
	b, ok := s.db.(storage.Batcher)
	if !ok {
		return fn(s.db)
	}
	batch := b.NewBatch()
	if err := fn(batch); err != nil {
		return err
	}
	return batch.Commit()
}

func contactKey(userID, contactID string) []byte {
	return []byte(prefixContact + userID + "/" + contactID)
}

func contactByPeerKey(userID, peerID string) []byte {
	return []byte(prefixContactByPeer + userID + "/" + peerID)
}

func inviteRequestKey(userID, peerID string) string {
	return prefixInviteRequest + userID + "/" + peerID
}
