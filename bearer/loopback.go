package bearer

import (
	"sync"

	"github.com/rigado/mesh"
)

const queueSize = 256

// Loopback is one end of an in-memory bearer pair. PDUs are delivered to
// the peer in order on the peer's own goroutine.
type Loopback struct {
	name string
	peer *Loopback

	mu     sync.Mutex
	rcv    func([]byte)
	filter func([]byte) bool

	queue chan []byte
	done  chan struct{}
	once  sync.Once

	log mesh.Logger
}

// NewLoopbackPair returns two bearers connected to each other.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := newLoopback("a")
	b := newLoopback("b")
	a.peer, b.peer = b, a
	go a.loop()
	go b.loop()
	return a, b
}

func newLoopback(name string) *Loopback {
	return &Loopback{
		name:  name,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
		log:   mesh.LayerLogger("bearer", mesh.Fields{"loopback": name}),
	}
}

// SetFilter installs a function that decides whether an outgoing PDU is
// delivered. It is used to simulate loss.
func (l *Loopback) SetFilter(f func(pdu []byte) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

func (l *Loopback) Send(pdu []byte) error {
	select {
	case <-l.done:
		return mesh.ErrClosed
	default:
	}

	l.mu.Lock()
	f := l.filter
	l.mu.Unlock()
	if f != nil && !f(pdu) {
		l.log.Debugf("dropped [% x]", pdu)
		return nil
	}

	b := append([]byte{}, pdu...)
	select {
	case l.peer.queue <- b:
	case <-l.peer.done:
	default:
		l.log.Warnf("peer queue full, dropped [% x]", pdu)
	}
	return nil
}

func (l *Loopback) SetReceiver(f func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rcv = f
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *Loopback) loop() {
	for {
		select {
		case <-l.done:
			return
		case b := <-l.queue:
			l.mu.Lock()
			f := l.rcv
			l.mu.Unlock()
			if f != nil {
				f(b)
			}
		}
	}
}
