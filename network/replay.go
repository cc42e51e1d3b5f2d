package network

import (
	"sync"

	"github.com/rigado/mesh"
)

type seqAuth struct {
	iv  uint32
	seq uint32
}

func (s seqAuth) after(o seqAuth) bool {
	return s.iv > o.iv || s.iv == o.iv && s.seq > o.seq
}

// ReplayCache remembers the last accepted (IV index, SEQ) of every source.
type ReplayCache struct {
	mu   sync.Mutex
	last map[mesh.Address]seqAuth
}

func NewReplayCache() *ReplayCache {
	return &ReplayCache{last: map[mesh.Address]seqAuth{}}
}

// Accept records (iv, seq) for src and reports true when it is strictly
// newer than the last accepted tuple.
func (r *ReplayCache) Accept(src mesh.Address, iv, seq uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := seqAuth{iv, seq}
	if last, ok := r.last[src]; ok && !cur.after(last) {
		return false
	}
	r.last[src] = cur
	return true
}

// Forget drops the entry of a removed node.
func (r *ReplayCache) Forget(src mesh.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, src)
}

// Reset forgets every source.
func (r *ReplayCache) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = map[mesh.Address]seqAuth{}
}

func (r *ReplayCache) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}
