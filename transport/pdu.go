package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

const (
	MaxUnsegmentedAccess  = 15
	MaxUnsegmentedControl = 11
	SegmentSizeAccess     = 12
	SegmentSizeControl    = 8
	MaxSegments           = 32

	MaxAccessPDU  = MaxSegments * SegmentSizeAccess
	MaxControlPDU = MaxSegments * SegmentSizeControl

	// control opcode of the segment acknowledgement
	OpSegmentAck = 0x00

	seqZeroMask = 0x1FFF
	segHeader   = 4
	ackSize     = 7
)

// Meta is the content of the first octet of every lower transport PDU
// besides the SEG bit.
type Meta struct {
	Control bool
	AKF     bool
	AID     byte
	Opcode  byte // control messages only
}

func (m Meta) octet(seg bool) byte {
	var b byte
	if m.Control {
		b = m.Opcode & 0x7F
	} else {
		b = m.AID & 0x3F
		if m.AKF {
			b |= 0x40
		}
	}
	if seg {
		b |= 0x80
	}
	return b
}

func parseMeta(ctl bool, b byte) Meta {
	if ctl {
		return Meta{Control: true, Opcode: b & 0x7F}
	}
	return Meta{AKF: b&0x40 != 0, AID: b & 0x3F}
}

// SegmentSize is the payload carried by one segment.
func (m Meta) SegmentSize() int {
	if m.Control {
		return SegmentSizeControl
	}
	return SegmentSizeAccess
}

func (m Meta) maxUnsegmented() int {
	if m.Control {
		return MaxUnsegmentedControl
	}
	return MaxUnsegmentedAccess
}

// PDU is one lower transport PDU.
type PDU interface {
	Bytes() []byte
}

type Unsegmented struct {
	Meta
	Payload []byte
}

func (u *Unsegmented) Bytes() []byte {
	return append([]byte{u.octet(false)}, u.Payload...)
}

type Segment struct {
	Meta
	SZMIC   bool
	SeqZero uint16
	SegO    uint8
	SegN    uint8
	Payload []byte
}

func (s *Segment) Bytes() []byte {
	b := make([]byte, segHeader, segHeader+len(s.Payload))
	b[0] = s.octet(true)
	if s.SZMIC && !s.Control {
		b[1] = 0x80
	}
	b[1] |= byte(s.SeqZero >> 6 & 0x7F)
	b[2] = byte(s.SeqZero&0x3F)<<2 | s.SegO>>3&0x03
	b[3] = (s.SegO&0x07)<<5 | s.SegN&0x1F
	return append(b, s.Payload...)
}

// SegmentAck acknowledges the segments set in BlockAck.
type SegmentAck struct {
	OBO      bool
	SeqZero  uint16
	BlockAck uint32
}

func (a *SegmentAck) Bytes() []byte {
	b := make([]byte, ackSize)
	b[0] = OpSegmentAck
	b[1] = byte(a.SeqZero >> 6 & 0x7F)
	if a.OBO {
		b[1] |= 0x80
	}
	b[2] = byte(a.SeqZero&0x3F) << 2
	binary.BigEndian.PutUint32(b[3:], a.BlockAck)
	return b
}

// Parse decodes a lower transport PDU. ctl is the CTL bit of the network
// PDU that carried it.
func Parse(ctl bool, b []byte) (PDU, error) {
	if len(b) < 2 {
		return nil, errors.Wrapf(mesh.ErrMalformedPDU, "lower transport length %d", len(b))
	}
	meta := parseMeta(ctl, b[0])

	if b[0]&0x80 == 0 {
		if ctl && meta.Opcode == OpSegmentAck {
			if len(b) != ackSize {
				return nil, errors.Wrapf(mesh.ErrMalformedPDU, "segment ack length %d", len(b))
			}
			return &SegmentAck{
				OBO:      b[1]&0x80 != 0,
				SeqZero:  uint16(b[1]&0x7F)<<6 | uint16(b[2]>>2),
				BlockAck: binary.BigEndian.Uint32(b[3:]),
			}, nil
		}
		if len(b)-1 > meta.maxUnsegmented() {
			return nil, errors.Wrapf(mesh.ErrMalformedPDU, "unsegmented payload %d", len(b)-1)
		}
		return &Unsegmented{Meta: meta, Payload: append([]byte{}, b[1:]...)}, nil
	}

	if len(b) < segHeader+1 || len(b)-segHeader > meta.SegmentSize() {
		return nil, errors.Wrapf(mesh.ErrMalformedPDU, "segment length %d", len(b))
	}
	s := &Segment{
		Meta:    meta,
		SZMIC:   !ctl && b[1]&0x80 != 0,
		SeqZero: uint16(b[1]&0x7F)<<6 | uint16(b[2]>>2),
		SegO:    (b[2]&0x03)<<3 | b[3]>>5,
		SegN:    b[3] & 0x1F,
		Payload: append([]byte{}, b[segHeader:]...),
	}
	if s.SegO > s.SegN {
		return nil, errors.Wrapf(mesh.ErrMalformedPDU, "segment %d of %d", s.SegO, s.SegN)
	}
	return s, nil
}

// SeqZero is the low 13 bits of a SeqAuth.
func SeqZero(seqAuth uint32) uint16 { return uint16(seqAuth & seqZeroMask) }

// SeqAuth rebuilds the 24-bit SeqAuth of a segment from its network SEQ.
// It fails when the SeqAuth would belong to the previous IV index.
func SeqAuth(seq uint32, seqZero uint16) (uint32, bool) {
	delta := (seq - uint32(seqZero)) & seqZeroMask
	if delta > seq {
		return 0, false
	}
	return seq - delta, true
}

// Split cuts an upper transport PDU into segments sharing seqZero.
func Split(meta Meta, szmic bool, seqZero uint16, upper []byte) ([]*Segment, error) {
	size := meta.SegmentSize()
	if len(upper) == 0 {
		return nil, errors.Wrap(mesh.ErrMalformedPDU, "empty upper transport pdu")
	}
	n := (len(upper) + size - 1) / size
	if n > MaxSegments {
		return nil, errors.Wrapf(mesh.ErrPayloadTooLarge, "%d bytes need %d segments", len(upper), n)
	}

	segs := make([]*Segment, n)
	for i := range segs {
		end := (i + 1) * size
		if end > len(upper) {
			end = len(upper)
		}
		segs[i] = &Segment{
			Meta:    meta,
			SZMIC:   szmic,
			SeqZero: seqZero & seqZeroMask,
			SegO:    uint8(i),
			SegN:    uint8(n - 1),
			Payload: upper[i*size : end],
		}
	}
	return segs, nil
}

// allSegments is the block ack bitmap with every segment up to segN set.
func allSegments(segN uint8) uint32 {
	if segN >= 31 {
		return 0xFFFFFFFF
	}
	return 1<<(uint32(segN)+1) - 1
}
