package bearer

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"sync"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// MaxFrame is the largest PDU a stream bearer carries.
const MaxFrame = 1024

// Stream carries PDUs over a byte stream, each prefixed with its length as
// a little-endian uint16.
type Stream struct {
	rwc io.ReadWriteCloser
	wmu sync.Mutex

	mu  sync.Mutex
	rcv func([]byte)

	done chan struct{}
	cmu  sync.Mutex

	log mesh.Logger
}

// OpenSerial opens a serial port and runs a stream bearer on it.
func OpenSerial(opts serial.OpenOptions) (*Stream, error) {
	// force these
	opts.MinimumReadSize = 1
	opts.InterCharacterTimeout = 0

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", opts.PortName)
	}
	return NewStream(sp), nil
}

// NewStream starts reading frames from rwc.
func NewStream(rwc io.ReadWriteCloser) *Stream {
	s := &Stream{
		rwc:  rwc,
		done: make(chan struct{}),
		log:  mesh.LayerLogger("bearer", mesh.Fields{"bearer": "stream"}),
	}
	go s.rxLoop()
	return s
}

func (s *Stream) Send(pdu []byte) error {
	if !s.isOpen() {
		return mesh.ErrClosed
	}
	if len(pdu) == 0 || len(pdu) > MaxFrame {
		return errors.Wrapf(mesh.ErrPayloadTooLarge, "frame length %d", len(pdu))
	}

	b := make([]byte, 2+len(pdu))
	binary.LittleEndian.PutUint16(b, uint16(len(pdu)))
	copy(b[2:], pdu)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.rwc.Write(b)
	return errors.Wrap(err, "can't write stream")
}

func (s *Stream) SetReceiver(f func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcv = f
}

func (s *Stream) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
		return errors.Wrap(s.rwc.Close(), "can't close stream")
	}
}

func (s *Stream) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Stream) rxLoop() {
	r := bufio.NewReader(s.rwc)
	hdr := make([]byte, 2)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if s.isOpen() {
				s.log.Errorf("rxLoop: %v", err)
			}
			return
		}

		n := int(binary.LittleEndian.Uint16(hdr))
		if n == 0 || n > MaxFrame {
			s.log.Warnf("discarding frame of length %d", n)
			if _, err := io.CopyN(ioutil.Discard, r, int64(n)); err != nil {
				return
			}
			continue
		}

		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			if s.isOpen() {
				s.log.Errorf("rxLoop: %v", err)
			}
			return
		}

		s.mu.Lock()
		f := s.rcv
		s.mu.Unlock()
		if f != nil {
			f(b)
		}
	}
}
