package transport

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/network"
)

// Network is the part of the network layer used by the lower transport.
type Network interface {
	NextSeq(src mesh.Address) (uint32, error)
	Send(netIdx mesh.KeyIndex, h network.Header, transport []byte) error
}

// Incoming is a complete upper transport PDU: either an unsegmented
// message or a reassembled segmented one.
type Incoming struct {
	Meta
	NetKeyIndex mesh.KeyIndex
	IVIndex     uint32
	Src         mesh.Address
	Dst         mesh.Address
	TTL         uint8
	SZMIC       bool
	Segmented   bool
	// SeqAuth is the SEQ used in the upper transport nonce.
	SeqAuth uint32
	Payload []byte
}

// Layer is the lower transport layer of one node.
type Layer struct {
	net     Network
	cfg     mesh.Config
	clk     clock.Clock
	deliver func(*Incoming)

	txMu sync.Mutex
	tx   map[txKey]*delivery

	rxMu      sync.Mutex
	rx        map[rxKey]*reassembly
	completed map[mesh.Address]uint64

	closeOnce sync.Once
	closed    chan struct{}

	log mesh.Logger
}

// NewLayer builds a lower transport sending through n. deliver is called
// for every complete upper transport PDU; it must not block for long.
func NewLayer(n Network, cfg mesh.Config, deliver func(*Incoming)) *Layer {
	return &Layer{
		net:       n,
		cfg:       cfg,
		clk:       cfg.Clock,
		deliver:   deliver,
		tx:        map[txKey]*delivery{},
		rx:        map[rxKey]*reassembly{},
		completed: map[mesh.Address]uint64{},
		closed:    make(chan struct{}),
		log:       mesh.LayerLogger("transport"),
	}
}

// Receive handles the transport PDU of an authenticated network PDU.
// Malformed PDUs are dropped here.
func (l *Layer) Receive(p *network.PDU) {
	pdu, err := Parse(p.CTL, p.Transport)
	if err != nil {
		l.log.Debugf("drop from %s: %v", p.SRC, err)
		return
	}

	switch v := pdu.(type) {
	case *SegmentAck:
		l.handleAck(p.SRC, v)
	case *Unsegmented:
		l.deliver(&Incoming{
			Meta:        v.Meta,
			NetKeyIndex: p.NetKeyIndex,
			IVIndex:     p.IVIndex,
			Src:         p.SRC,
			Dst:         p.DST,
			TTL:         p.TTL,
			SeqAuth:     p.SEQ,
			Payload:     v.Payload,
		})
	case *Segment:
		l.handleSegment(p, v)
	}
}

// Close cancels every delivery in flight and every reassembly timer.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)

		l.rxMu.Lock()
		bufs := l.rx
		l.rx = map[rxKey]*reassembly{}
		l.rxMu.Unlock()
		for _, r := range bufs {
			r.stop()
		}
	})
}

func (l *Layer) sendPDU(netIdx mesh.KeyIndex, ctl bool, ttl uint8, src, dst mesh.Address, seq uint32, pdu PDU) error {
	return l.net.Send(netIdx, network.Header{CTL: ctl, TTL: ttl, SEQ: seq, SRC: src, DST: dst}, pdu.Bytes())
}
