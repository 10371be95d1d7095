// Package notify fans invite and contact changes out to in-process observers.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
)

// Kind groups events by what changed.
type Kind string

// Event kinds.
const (
	ContactChanged Kind = "contact_changed"
	InvitesChanged Kind = "invites_changed"
)

// Change describes what happened.
type Change string

// Changes.
const (
	InviteSent             Change = "inviteSent"
	InviteFailed           Change = "inviteFailed"
	InviteDeclined         Change = "inviteDeclined"
	InviteReceived         Change = "inviteReceived"
	InviteAccepted         Change = "inviteAccepted"
	StakeReclaimProcessing Change = "stakeReclaimProcessing"
	StakeReclaimMined      Change = "stakeReclaimMined"
	StakeError             Change = "stakeError"
)

// Event is a published change. Contact and Request are snapshots.
type Event struct {
	Kind    Kind                    `json:"type"`
	Change  Change                  `json:"change"`
	UserID  string                  `json:"userID"`
	PeerID  string                  `json:"peerID,omitempty"`
	Contact *identity.Contact       `json:"contact,omitempty"`
	Request *identity.InviteRequest `json:"inviteRequest,omitempty"`
}

// DefaultBuffer is the channel capacity of an observer.
const DefaultBuffer = 64

// Observer receives events of the kinds it was created for.
type Observer struct {
	C <-chan Event

	ch    chan Event
	kinds map[Kind]bool
	n     *Notifier
	once  sync.Once
}

// Dispose stops delivery and closes C.
func (o *Observer) Dispose() {
	o.once.Do(func() {
		o.n.remove(o)
	})
}

func (o *Observer) wants(k Kind) bool {
	return len(o.kinds) == 0 || o.kinds[k]
}

// Notifier is an in-process event bus. Publish never blocks: an observer
// whose buffer is full misses the event.
type Notifier struct {
	mu        sync.RWMutex
	observers map[*Observer]struct{}
	subs      map[string]func()
	closed    bool
	buffer    int
	logger    zerolog.Logger
}

// New creates a Notifier whose observers buffer up to buffer events.
func New(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		observers: make(map[*Observer]struct{}),
		subs:      make(map[string]func()),
		buffer:    buffer,
		logger:    log.Notify,
	}
}

// Publish delivers ev to every observer interested in its kind.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for o := range n.observers {
		if !o.wants(ev.Kind) {
			continue
		}
		select {
		case o.ch <- ev:
		default:
			n.logger.Warn().
				Str("kind", string(ev.Kind)).
				Str("change", string(ev.Change)).
				Msg("Observer buffer full, event dropped")
		}
	}
}

// Observe registers an observer for the given kinds, or all kinds if none
// are given. After Close the returned observer's channel is already closed.
func (n *Notifier) Observe(kinds ...Kind) *Observer {
	ch := make(chan Event, n.buffer)
	o := &Observer{C: ch, ch: ch, kinds: make(map[Kind]bool, len(kinds)), n: n}
	for _, k := range kinds {
		o.kinds[k] = true
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return o
	}
	n.observers[o] = struct{}{}
	return o
}

func (n *Notifier) remove(o *Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.observers[o]; ok {
		delete(n.observers, o)
		close(o.ch)
	}
}

// AddSubscription registers a named teardown callback run by Close.
// Registering the same name again replaces and runs the previous one.
func (n *Notifier) AddSubscription(name string, dispose func()) {
	n.mu.Lock()
	prev, had := n.subs[name]
	if n.closed {
		n.mu.Unlock()
		dispose()
		return
	}
	n.subs[name] = dispose
	n.mu.Unlock()

	if had {
		prev()
	}
}

// Close disposes every subscription and observer.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = map[string]func(){}
	for o := range n.observers {
		close(o.ch)
	}
	n.observers = map[*Observer]struct{}{}
	n.mu.Unlock()

	for name, dispose := range subs {
		n.logger.Debug().Str("subscription", name).Msg("Disposing subscription")
		dispose()
	}
}
