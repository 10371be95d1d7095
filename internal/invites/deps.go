// Package invites keeps the local contact graph in step with the invite
// contract: it replays and subscribes to Invited/Declined events, runs the
// invite and stake state machine, and submits the stake transactions.
package invites

import (
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
)

// IdentityStore is the persistence the invite engine needs.
type IdentityStore interface {
	OwnUser(id string) (*identity.OwnUser, error)
	OwnUsers() ([]*identity.OwnUser, error)
	Checkpoint(userID, eventType string, networkID uint64) (uint64, error)
	AdvanceCheckpoint(userID, eventType string, networkID uint64, block uint64) error

	AddPeer(p identity.PeerUser) (*identity.PeerUser, error)
	PeerUser(id string) (*identity.PeerUser, error)
	PeerByFeed(publicFeed string) (*identity.PeerUser, error)

	AddContact(userID, peerID string) (*identity.Contact, error)
	Contact(userID, contactID string) (*identity.Contact, error)
	ContactByPeer(userID, peerID string) (*identity.Contact, error)
	UpdateContact(userID, contactID string, fn func(*identity.Contact) error) (*identity.Contact, error)

	InviteRequest(userID, peerID string) (*identity.InviteRequest, error)
	InviteRequests(userID string) ([]*identity.InviteRequest, error)
	SetInviteRequestIfAbsent(r *identity.InviteRequest) (bool, error)
	SaveInviteRequest(r *identity.InviteRequest) error
}
