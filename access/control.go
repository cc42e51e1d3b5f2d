package access

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// transport control opcodes carried above the lower transport layer
const (
	ControlOpHeartbeat = 0x0A
)

// ControlMessage is an upper transport control message.
type ControlMessage interface {
	ControlOpcode() byte
	Parameters() []byte
}

// Heartbeat is sent periodically by nodes to advertise their features.
type Heartbeat struct {
	InitTTL  uint8
	Features uint16
}

func (h *Heartbeat) ControlOpcode() byte { return ControlOpHeartbeat }
func (h *Heartbeat) Parameters() []byte {
	b := make([]byte, 3)
	b[0] = h.InitTTL & 0x7F
	binary.BigEndian.PutUint16(b[1:], h.Features)
	return b
}

// UnrecognizedControl is a control opcode without a decoder.
type UnrecognizedControl struct {
	Op     byte
	Params []byte
}

func (u *UnrecognizedControl) ControlOpcode() byte { return u.Op }
func (u *UnrecognizedControl) Parameters() []byte  { return u.Params }

// DecodeControl builds a typed control message from its opcode and
// parameters.
func DecodeControl(op byte, params []byte) (ControlMessage, error) {
	switch op {
	case ControlOpHeartbeat:
		if len(params) != 3 {
			return nil, errors.Wrapf(mesh.ErrMalformedPDU, "heartbeat length %d", len(params))
		}
		return &Heartbeat{InitTTL: params[0] & 0x7F, Features: binary.BigEndian.Uint16(params[1:])}, nil
	}
	return &UnrecognizedControl{Op: op, Params: append([]byte{}, params...)}, nil
}
