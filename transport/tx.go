package transport

import (
	"context"
	"math/bits"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// Outbound is an upper transport PDU ready for the lower transport.
type Outbound struct {
	Meta
	NetKeyIndex mesh.KeyIndex
	Src         mesh.Address
	Dst         mesh.Address
	TTL         uint8
	SZMIC       bool
	// SeqAuth was allocated for the upper transport nonce. It becomes the
	// SEQ of the unsegmented PDU or of the first segment.
	SeqAuth uint32
	Payload []byte
}

func (o *Outbound) segmented() bool {
	return o.SZMIC || len(o.Payload) > o.maxUnsegmented()
}

type txKey struct {
	dst     mesh.Address
	seqZero uint16
}

type delivery struct {
	mu      sync.Mutex
	pending uint32
	done    chan error
	once    sync.Once
}

func (d *delivery) finish(err error) {
	d.once.Do(func() { d.done <- err })
}

func (d *delivery) outstanding() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Send transmits o and blocks until it is delivered. Unsegmented PDUs and
// segmented PDUs to group or virtual destinations complete once sent; a
// segmented PDU to a unicast destination completes on a full block ack.
func (l *Layer) Send(ctx context.Context, o *Outbound) error {
	select {
	case <-l.closed:
		return mesh.ErrClosed
	default:
	}

	if !o.segmented() {
		u := &Unsegmented{Meta: o.Meta, Payload: o.Payload}
		return l.sendPDU(o.NetKeyIndex, o.Control, o.TTL, o.Src, o.Dst, o.SeqAuth, u)
	}

	segs, err := Split(o.Meta, o.SZMIC, SeqZero(o.SeqAuth), o.Payload)
	if err != nil {
		return err
	}
	if o.Dst.IsUnicast() {
		return l.sendAcked(ctx, o, segs)
	}
	return l.sendRepeated(ctx, o, segs)
}

// sendSegments transmits the segments whose bit is set in mask. The first
// transmission of segment 0 reuses SeqAuth.
func (l *Layer) sendSegments(o *Outbound, segs []*Segment, mask uint32, first bool) error {
	for i, s := range segs {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		seq := o.SeqAuth
		if !first || i != 0 {
			var err error
			if seq, err = l.net.NextSeq(o.Src); err != nil {
				return err
			}
		}
		if err := l.sendPDU(o.NetKeyIndex, o.Control, o.TTL, o.Src, o.Dst, seq, s); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) sendAcked(ctx context.Context, o *Outbound, segs []*Segment) error {
	key := txKey{o.Dst, SeqZero(o.SeqAuth)}
	d := &delivery{pending: allSegments(uint8(len(segs) - 1)), done: make(chan error, 1)}

	l.txMu.Lock()
	if _, ok := l.tx[key]; ok {
		l.txMu.Unlock()
		return errors.Errorf("segmented send to %s seqzero %04x already in flight", o.Dst, key.seqZero)
	}
	l.tx[key] = d
	l.txMu.Unlock()

	defer func() {
		l.txMu.Lock()
		delete(l.tx, key)
		l.txMu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		mask := d.outstanding()
		if mask == 0 {
			return nil
		}
		if attempt > 0 {
			l.log.Warnf("retransmitting %d segments to %s (attempt %d)", bits.OnesCount32(mask), o.Dst, attempt)
		}
		if err := l.sendSegments(o, segs, mask, attempt == 0); err != nil {
			return err
		}
		if attempt == l.cfg.SegmentRetryLimit {
			break
		}

		t := l.clk.Timer(l.cfg.SegmentRetransmitInterval)
		select {
		case err := <-d.done:
			t.Stop()
			return err
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(ctx.Err(), "segmented send")
		case <-l.closed:
			t.Stop()
			return mesh.ErrClosed
		case <-t.C:
		}
	}

	// last chance for an ack racing the final timer
	t := l.clk.Timer(l.cfg.SegmentRetransmitInterval)
	defer t.Stop()
	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "segmented send")
	case <-l.closed:
		return mesh.ErrClosed
	case <-t.C:
	}
	return errors.Wrapf(mesh.ErrSendTimeout, "%d segments to %s unacknowledged", bits.OnesCount32(d.outstanding()), o.Dst)
}

// sendRepeated transmits every segment SegmentRetryLimit times, spaced
// by the retransmit interval. Group destinations never ack.
func (l *Layer) sendRepeated(ctx context.Context, o *Outbound, segs []*Segment) error {
	all := allSegments(uint8(len(segs) - 1))
	for i := 0; i < l.cfg.SegmentRetryLimit; i++ {
		if i > 0 {
			t := l.clk.Timer(l.cfg.SegmentRetransmitInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Wrap(ctx.Err(), "segmented send")
			case <-l.closed:
				t.Stop()
				return mesh.ErrClosed
			case <-t.C:
			}
		}
		if err := l.sendSegments(o, segs, all, i == 0); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) handleAck(src mesh.Address, a *SegmentAck) {
	l.txMu.Lock()
	d, ok := l.tx[txKey{src, a.SeqZero}]
	l.txMu.Unlock()
	if !ok {
		l.log.Debugf("ack from %s for unknown seqzero %04x", src, a.SeqZero)
		return
	}

	if a.BlockAck == 0 {
		d.finish(errors.Wrapf(mesh.ErrSendCancelled, "%s is busy", src))
		return
	}

	d.mu.Lock()
	d.pending &^= a.BlockAck
	left := d.pending
	d.mu.Unlock()
	if left == 0 {
		d.finish(nil)
	}
}
