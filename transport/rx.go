package transport

import (
	"bytes"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/network"
)

type rxKey struct {
	src     mesh.Address
	seqZero uint16
}

// reassembly collects the segments of one message. Its own lock guards
// the segment state; the layer map lock only guards insert and evict.
type reassembly struct {
	mu sync.Mutex

	key     rxKey
	auth    uint64 // iv index << 24 | SeqAuth
	meta    Meta
	szmic   bool
	segN    uint8
	parts   [][]byte
	blocks  uint32
	done    bool
	evicted bool

	netIdx mesh.KeyIndex
	dst    mesh.Address
	ttl    uint8
	iv     uint32

	ackTimer  *clock.Timer
	idleTimer *clock.Timer
}

func (r *reassembly) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = true
	if r.ackTimer != nil {
		r.ackTimer.Stop()
		r.ackTimer = nil
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
}

func (l *Layer) handleSegment(p *network.PDU, s *Segment) {
	seqAuth, ok := SeqAuth(p.SEQ, s.SeqZero)
	if !ok {
		l.log.Debugf("drop segment from %s: seqzero %04x out of range", p.SRC, s.SeqZero)
		return
	}
	auth := uint64(p.IVIndex)<<24 | uint64(seqAuth)

	r := l.buffer(p, s, auth)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.evicted {
		r.mu.Unlock()
		return
	}
	if r.done {
		// the sender missed our ack
		blocks := r.blocks
		r.mu.Unlock()
		l.sendAck(r, p.SRC, blocks)
		return
	}
	if s.SegN != r.segN || s.Meta != r.meta {
		r.mu.Unlock()
		l.log.Debugf("drop segment from %s: inconsistent with segment set %04x", p.SRC, s.SeqZero)
		return
	}
	if s.SegO < s.SegN && len(s.Payload) != s.SegmentSize() {
		r.mu.Unlock()
		l.log.Debugf("drop segment from %s: short middle segment", p.SRC)
		return
	}

	if r.blocks&(1<<uint(s.SegO)) == 0 {
		r.parts[s.SegO] = s.Payload
		r.blocks |= 1 << uint(s.SegO)
	}
	r.idleTimer.Reset(l.cfg.ReassemblyTimeout)

	if r.blocks != allSegments(r.segN) {
		if r.ackTimer == nil && r.dst.IsUnicast() {
			r.ackTimer = l.clk.AfterFunc(l.cfg.AckDelay, func() { l.partialAck(r, p.SRC) })
		}
		r.mu.Unlock()
		return
	}

	r.done = true
	if r.ackTimer != nil {
		r.ackTimer.Stop()
		r.ackTimer = nil
	}
	in := &Incoming{
		Meta:        r.meta,
		NetKeyIndex: r.netIdx,
		IVIndex:     r.iv,
		Src:         p.SRC,
		Dst:         r.dst,
		TTL:         r.ttl,
		SZMIC:       r.szmic,
		Segmented:   true,
		SeqAuth:     seqAuth,
		Payload:     bytes.Join(r.parts, nil),
	}
	blocks := r.blocks
	r.mu.Unlock()

	l.rxMu.Lock()
	l.completed[p.SRC] = auth
	l.rxMu.Unlock()

	l.sendAck(r, p.SRC, blocks)
	l.deliver(in)
}

// buffer finds or creates the reassembly buffer of a segment. It returns
// nil when the segment belongs to a message older than one already seen.
func (l *Layer) buffer(p *network.PDU, s *Segment, auth uint64) *reassembly {
	key := rxKey{p.SRC, s.SeqZero}

	l.rxMu.Lock()
	defer l.rxMu.Unlock()

	select {
	case <-l.closed:
		return nil
	default:
	}

	if r, ok := l.rx[key]; ok && r.auth == auth {
		return r
	}
	if done, ok := l.completed[p.SRC]; ok && auth < done {
		return nil
	}

	for k, r := range l.rx {
		if k.src != p.SRC {
			continue
		}
		if r.auth > auth {
			return nil
		}
		if r.auth == auth {
			continue
		}
		// a newer message from the same source replaces the old one
		l.log.Debugf("evicting incomplete message %04x from %s", k.seqZero, p.SRC)
		delete(l.rx, k)
		go r.stop()
	}

	if done, ok := l.completed[p.SRC]; ok && auth == done {
		// completed and already evicted: nothing left to ack
		return nil
	}

	r := &reassembly{
		key:    key,
		auth:   auth,
		meta:   s.Meta,
		szmic:  s.SZMIC,
		segN:   s.SegN,
		parts:  make([][]byte, int(s.SegN)+1),
		netIdx: p.NetKeyIndex,
		dst:    p.DST,
		ttl:    p.TTL,
		iv:     p.IVIndex,
	}
	r.idleTimer = l.clk.AfterFunc(l.cfg.ReassemblyTimeout, func() { l.evict(r) })
	l.rx[key] = r
	return r
}

func (l *Layer) evict(r *reassembly) {
	l.rxMu.Lock()
	if cur, ok := l.rx[r.key]; ok && cur == r {
		delete(l.rx, r.key)
	}
	l.rxMu.Unlock()

	r.mu.Lock()
	incomplete := !r.done
	r.mu.Unlock()
	if incomplete {
		l.log.Debugf("reassembly of %04x from %s timed out", r.key.seqZero, r.key.src)
	}
	r.stop()
}

func (l *Layer) partialAck(r *reassembly, src mesh.Address) {
	r.mu.Lock()
	if r.evicted || r.done {
		r.mu.Unlock()
		return
	}
	r.ackTimer = nil
	blocks := r.blocks
	r.mu.Unlock()
	l.sendAck(r, src, blocks)
}

// sendAck acknowledges blocks to src from the element the message was
// addressed to. Group and virtual destinations are never acked.
func (l *Layer) sendAck(r *reassembly, src mesh.Address, blocks uint32) {
	if !r.dst.IsUnicast() {
		return
	}
	seq, err := l.net.NextSeq(r.dst)
	if err != nil {
		l.log.Warnf("ack to %s: %v", src, err)
		return
	}
	ack := &SegmentAck{SeqZero: r.key.seqZero, BlockAck: blocks}
	if err := l.sendPDU(r.netIdx, true, l.cfg.DefaultTTL, r.dst, src, seq, ack); err != nil {
		l.log.Warnf("ack to %s: %v", src, err)
	}
}

// Pending is the number of reassembly buffers held, completed ones included.
func (l *Layer) Pending() int {
	l.rxMu.Lock()
	defer l.rxMu.Unlock()
	return len(l.rx)
}
