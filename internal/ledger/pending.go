package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome is the terminal result of a submitted transaction.
type Outcome struct {
	Hash common.Hash
	Err  error
}

// Pending tracks a submitted transaction: the hash becomes known first,
// then the transaction is mined or fails. Both signals fire at most once.
type Pending struct {
	mu      sync.Mutex
	hash    common.Hash
	outcome Outcome
	hashed  chan struct{}
	done    chan struct{}
	hashSet bool
	closed  bool
}

// NewPending returns a Pending with neither signal fired.
func NewPending() *Pending {
	return &Pending{
		hashed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetHash records the transaction hash. Later calls are ignored.
func (p *Pending) SetHash(h common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hashSet || p.closed {
		return
	}
	p.hash = h
	p.hashSet = true
	close(p.hashed)
}

// Mined completes the transaction successfully.
func (p *Pending) Mined(h common.Hash) {
	p.finish(Outcome{Hash: h})
}

// Fail completes the transaction with err.
func (p *Pending) Fail(err error) {
	p.mu.Lock()
	h := p.hash
	p.mu.Unlock()
	p.finish(Outcome{Hash: h, Err: err})
}

func (p *Pending) finish(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.outcome = o
	p.closed = true
	close(p.done)
}

// Hashed is closed once the hash is known. It never closes for
// transactions that fail before a hash exists.
func (p *Pending) Hashed() <-chan struct{} { return p.hashed }

// Hash returns the transaction hash, or the zero hash if not yet known.
func (p *Pending) Hash() common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash
}

// Done is closed when the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome returns the terminal result. Valid after Done is closed.
func (p *Pending) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Track waits for the outcome and calls onHash once when the hash becomes
// known. onHash always runs before Track returns a mined outcome.
// A cancelled ctx returns ctx.Err() as the outcome error.
func (p *Pending) Track(ctx context.Context, onHash func(common.Hash)) Outcome {
	hashed := p.hashed
	notify := func() {
		hashed = nil
		if onHash != nil {
			onHash(p.Hash())
		}
	}
	for {
		select {
		case <-hashed:
			notify()
		case <-p.done:
			if hashed != nil {
				select {
				case <-hashed:
					notify()
				default:
				}
			}
			return p.Outcome()
		case <-ctx.Done():
			return Outcome{Hash: p.Hash(), Err: ctx.Err()}
		}
	}
}

// Wait blocks until the outcome is known.
func (p *Pending) Wait(ctx context.Context) (common.Hash, error) {
	o := p.Track(ctx, nil)
	return o.Hash, o.Err
}
