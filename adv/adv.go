// Package adv encodes and splits the advertising data structures that carry
// mesh traffic on an advertising bearer.
package adv

import (
	"errors"
	"fmt"
)

var EmptyOrNilPdu = errors.New("nil/empty pdu")

// https://www.bluetooth.com/specifications/assigned-numbers/ (generic access profile)
var Types = struct {
	Flags            byte
	NameShort        byte
	NameComplete     byte
	MeshProvisioning byte
	MeshMessage      byte
	MeshBeacon       byte
	MFGData          byte
}{
	Flags:            0x01,
	NameShort:        0x08,
	NameComplete:     0x09,
	MeshProvisioning: 0x29,
	MeshMessage:      0x2a,
	MeshBeacon:       0x2b,
	MFGData:          0xff,
}

// MaxData is the largest payload a single structure can carry.
const MaxData = 0xff - 1

type pduRecord struct {
	minSz int
	mesh  bool
}

var pduDecodeMap = map[byte]pduRecord{
	Types.Flags:            {1, false},
	Types.NameShort:        {1, false},
	Types.NameComplete:     {1, false},
	Types.MFGData:          {2, false},
	Types.MeshProvisioning: {5, true},  // link id + pdu type
	Types.MeshMessage:      {14, true}, // smallest network pdu
	Types.MeshBeacon:       {1, true},
}

// Record is one advertising data structure.
type Record struct {
	Type byte
	Data []byte
}

// IsMesh reports whether r carries a mesh bearer payload.
func (r Record) IsMesh() bool {
	return pduDecodeMap[r.Type].mesh
}

// Parse splits pdu into its structures. Known types shorter than their
// minimum length fail the whole buffer; unknown types are returned as is.
func Parse(pdu []byte) ([]Record, error) {
	if len(pdu) == 0 {
		return nil, EmptyOrNilPdu
	}

	var out []Record
	for i := 0; (i + 1) < len(pdu); {
		//length @ offset 0
		//type @ offset 1
		//data @ 2 - length
		length := int(pdu[i])
		typ := pdu[i+1]

		if length < 1 {
			return out, fmt.Errorf("invalid record length %v, idx %v", length, i)
		}
		if (i + length) >= len(pdu) {
			return out, fmt.Errorf("buffer overflow: want %v, have %v, idx %v", i+length, len(pdu), i)
		}

		start := i + 2
		end := start + length - 1
		data := make([]byte, end-start)
		copy(data, pdu[start:end])

		if dec, ok := pduDecodeMap[typ]; ok && dec.minSz > len(data) {
			return out, fmt.Errorf("adv type %#02x: min length %v, have %v, idx %v", typ, dec.minSz, len(data), i)
		}
		out = append(out, Record{Type: typ, Data: data})

		i += length + 1
	}

	return out, nil
}

// Mesh returns only the mesh structures of pdu, in order.
func Mesh(pdu []byte) ([]Record, error) {
	recs, err := Parse(pdu)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.IsMesh() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Append encodes one structure onto b.
func Append(b []byte, typ byte, data []byte) ([]byte, error) {
	if len(data) > MaxData {
		return b, fmt.Errorf("adv type %#02x: %v bytes exceeds %v", typ, len(data), MaxData)
	}
	b = append(b, byte(len(data)+1), typ)
	return append(b, data...), nil
}
