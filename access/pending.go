package access

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// Result resolves an acknowledged send.
type Result struct {
	Src     mesh.Address
	Message Message
	Err     error
}

type pendingKey struct {
	dst mesh.Address
	op  Opcode
	tid uint8
}

type pendingEntry struct {
	order uint64
	timer *clock.Timer
	done  chan Result
}

// Pending tracks acknowledged sends waiting for their status message.
type Pending struct {
	mu      sync.Mutex
	clk     clock.Clock
	timeout time.Duration
	entries map[pendingKey]*pendingEntry
	order   uint64
	closed  bool
}

func NewPending(clk clock.Clock, timeout time.Duration) *Pending {
	return &Pending{
		clk:     clk,
		timeout: timeout,
		entries: map[pendingKey]*pendingEntry{},
	}
}

// Register adds a pending entry. The returned channel receives exactly one
// Result: the status message, ErrSendTimeout, or the error passed to Fail.
func (p *Pending) Register(dst mesh.Address, status Opcode, tid uint8) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, mesh.ErrClosed
	}

	k := pendingKey{dst, status, tid}
	if _, ok := p.entries[k]; ok {
		return nil, errors.Errorf("request to %s awaiting %s tid %d already in flight", dst, status, tid)
	}

	p.order++
	e := &pendingEntry{order: p.order, done: make(chan Result, 1)}
	e.timer = p.clk.AfterFunc(p.timeout, func() {
		p.finish(k, e, Result{Err: errors.Wrapf(mesh.ErrSendTimeout, "no %s from %s", Describe(status), dst)})
	})
	p.entries[k] = e
	return e.done, nil
}

// finish delivers r if e is still the registered entry for k.
func (p *Pending) finish(k pendingKey, e *pendingEntry, r Result) bool {
	p.mu.Lock()
	cur, ok := p.entries[k]
	if !ok || cur != e {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, k)
	p.mu.Unlock()

	e.timer.Stop()
	e.done <- r
	return true
}

// Resolve matches an incoming status message against the pending entries.
// Unicast requests match on the source; group requests take the first
// reply. The oldest matching entry wins.
func (p *Pending) Resolve(src mesh.Address, m Message) bool {
	p.mu.Lock()
	var (
		bestKey pendingKey
		best    *pendingEntry
	)
	for k, e := range p.entries {
		if k.op != m.Opcode() {
			continue
		}
		if k.dst.IsUnicast() && k.dst != src {
			continue
		}
		if best == nil || e.order < best.order {
			bestKey, best = k, e
		}
	}
	p.mu.Unlock()

	if best == nil {
		return false
	}
	return p.finish(bestKey, best, Result{Src: src, Message: m})
}

// Fail resolves every entry waiting on dst with err.
func (p *Pending) Fail(dst mesh.Address, err error) {
	p.mu.Lock()
	var matched []pendingKey
	for k := range p.entries {
		if k.dst == dst {
			matched = append(matched, k)
		}
	}
	entries := make([]*pendingEntry, len(matched))
	for i, k := range matched {
		entries[i] = p.entries[k]
	}
	p.mu.Unlock()

	for i, k := range matched {
		p.finish(k, entries[i], Result{Err: err})
	}
}

// Cancel resolves one entry with err. It reports false when the entry was
// already resolved.
func (p *Pending) Cancel(dst mesh.Address, status Opcode, tid uint8, err error) bool {
	k := pendingKey{dst, status, tid}
	p.mu.Lock()
	e, ok := p.entries[k]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.finish(k, e, Result{Err: err})
}

// Len is the number of requests in flight.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close fails every entry with ErrClosed and stops their timers.
func (p *Pending) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = map[pendingKey]*pendingEntry{}
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.done <- Result{Err: mesh.ErrClosed}
	}
}
