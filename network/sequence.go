package network

import (
	"sync"

	"github.com/rigado/mesh"
)

// SequenceArena hands out per-source sequence numbers. Every value is used
// at most once per IV index.
type SequenceArena struct {
	mu       sync.Mutex
	next     map[mesh.Address]uint32
	reserved map[mesh.Address]uint32
	block    uint32

	// onReserve is called with the new mark whenever a source crosses its
	// reservation. Persisting the mark before using the numbers below it
	// keeps sequence numbers monotonic across restarts.
	onReserve func(src mesh.Address, mark uint32)
}

func NewSequenceArena(block uint32, onReserve func(mesh.Address, uint32)) *SequenceArena {
	if block == 0 {
		block = 1
	}
	return &SequenceArena{
		next:      map[mesh.Address]uint32{},
		reserved:  map[mesh.Address]uint32{},
		block:     block,
		onReserve: onReserve,
	}
}

// Next allocates the next sequence number for src.
func (a *SequenceArena) Next(src mesh.Address) (uint32, error) {
	a.mu.Lock()
	seq := a.next[src]
	if seq > MaxSeq {
		a.mu.Unlock()
		return 0, mesh.ErrSequenceExhausted
	}
	a.next[src] = seq + 1

	var mark uint32
	if seq >= a.reserved[src] {
		mark = seq + a.block
		if mark > MaxSeq+1 {
			mark = MaxSeq + 1
		}
		a.reserved[src] = mark
	}
	a.mu.Unlock()

	if mark != 0 && a.onReserve != nil {
		a.onReserve(src, mark)
	}
	return seq, nil
}

// Peek returns the value Next would return for src.
func (a *SequenceArena) Peek(src mesh.Address) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next[src]
}

// Resume continues src from a persisted mark. Values below the current
// position are ignored so the arena never moves backwards.
func (a *SequenceArena) Resume(src mesh.Address, mark uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mark > a.next[src] {
		a.next[src] = mark
	}
	if mark > a.reserved[src] {
		a.reserved[src] = mark
	}
}

// Marks returns the reservation mark of every source.
func (a *SequenceArena) Marks() map[mesh.Address]uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[mesh.Address]uint32, len(a.reserved))
	for k, v := range a.reserved {
		out[k] = v
	}
	return out
}

// Reset starts every source at zero. Only valid after the IV index moved.
func (a *SequenceArena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = map[mesh.Address]uint32{}
	a.reserved = map[mesh.Address]uint32{}
}
