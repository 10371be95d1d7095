package rpc

import (
	"sync"

	"github.com/Klingon-tech/klingnet-invites/internal/notify"
)

// DefaultEventLogSize is how many notifications invites_events retains.
const DefaultEventLogSize = 256

// EventLog keeps the most recent notifications so HTTP clients can poll
// for them. Sequence numbers start at 1 and never repeat.
type EventLog struct {
	mu   sync.Mutex
	ring []SeqEvent
	size int
	next uint64 // seq of the next event
	obs  *notify.Observer
	done chan struct{}
}

// NewEventLog creates a log retaining up to size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{size: size, next: 1, done: make(chan struct{})}
}

// Follow appends every contact and invite notification from n until Close.
func (l *EventLog) Follow(n *notify.Notifier) {
	l.obs = n.Observe(notify.ContactChanged, notify.InvitesChanged)
	go func() {
		defer close(l.done)
		for ev := range l.obs.C {
			l.Append(ev)
		}
	}()
}

// Append records ev, evicting the oldest event when full.
func (l *EventLog) Append(ev notify.Event) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.next
	l.next++
	l.ring = append(l.ring, SeqEvent{Seq: seq, Event: ev})
	if len(l.ring) > l.size {
		l.ring = l.ring[len(l.ring)-l.size:]
	}
	return seq
}

// Since returns up to limit events with seq > since, the seq to poll from
// next, and whether events after since were already evicted.
func (l *EventLog) Since(since uint64, limit int) (events []SeqEvent, next uint64, dropped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ring) > 0 && l.ring[0].Seq > since+1 {
		dropped = true
	}
	for _, ev := range l.ring {
		if ev.Seq <= since {
			continue
		}
		if limit > 0 && len(events) == limit {
			break
		}
		events = append(events, ev)
	}
	next = since
	if n := len(events); n > 0 {
		next = events[n-1].Seq
	}
	return events, next, dropped
}

// Close stops following the notifier.
func (l *EventLog) Close() {
	if l.obs == nil {
		return
	}
	l.obs.Dispose()
	<-l.done
}
