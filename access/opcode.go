package access

import (
	"fmt"

	"github.com/pkg/errors"
)

// Opcode is an access layer opcode. Vendor opcodes keep the opcode byte in
// bits 16..23 and the company identifier in bits 0..15.
type Opcode uint32

// VendorOpcode builds a 3-byte opcode from its 6-bit opcode and company id.
func VendorOpcode(op byte, company uint16) Opcode {
	return Opcode(uint32(0xC0|op&0x3F)<<16 | uint32(company))
}

// Size is the encoded length of the opcode, or 0 when it is invalid.
func (o Opcode) Size() int {
	switch {
	case o <= 0x7E:
		return 1
	case o >= 0x8000 && o <= 0xBFFF:
		return 2
	case o >= 0xC00000 && o <= 0xFFFFFF:
		return 3
	}
	return 0
}

func (o Opcode) IsVendor() bool { return o.Size() == 3 }

// Company returns the company identifier of a vendor opcode.
func (o Opcode) Company() uint16 { return uint16(o) }

func (o Opcode) String() string {
	switch o.Size() {
	case 1:
		return fmt.Sprintf("0x%02x", uint32(o))
	case 2:
		return fmt.Sprintf("0x%04x", uint32(o))
	case 3:
		return fmt.Sprintf("0x%02x/%04x", uint32(o)>>16, o.Company())
	}
	return fmt.Sprintf("invalid(0x%x)", uint32(o))
}

// AppendOpcode appends the wire form of o to b.
func AppendOpcode(b []byte, o Opcode) ([]byte, error) {
	switch o.Size() {
	case 1:
		return append(b, byte(o)), nil
	case 2:
		return append(b, byte(o>>8), byte(o)), nil
	case 3:
		// company id is little-endian on the wire
		return append(b, byte(o>>16), byte(o), byte(o>>8)), nil
	}
	return nil, errors.Errorf("invalid opcode 0x%x", uint32(o))
}

// ParseOpcode reads the opcode at the start of an access payload and
// returns it with its length. The length comes from the two high bits of
// the first byte.
func ParseOpcode(b []byte) (Opcode, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("empty access payload")
	}
	switch b[0] >> 6 {
	case 0, 1:
		if b[0] == 0x7F {
			return 0, 0, errors.New("reserved opcode 0x7f")
		}
		return Opcode(b[0]), 1, nil
	case 2:
		if len(b) < 2 {
			return 0, 0, errors.New("truncated 2-byte opcode")
		}
		return Opcode(uint32(b[0])<<8 | uint32(b[1])), 2, nil
	default:
		if len(b) < 3 {
			return 0, 0, errors.New("truncated vendor opcode")
		}
		return Opcode(uint32(b[0])<<16 | uint32(b[2])<<8 | uint32(b[1])), 3, nil
	}
}
