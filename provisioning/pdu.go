package provisioning

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// Capabilities is what an unprovisioned device reports about itself.
type Capabilities struct {
	Elements        uint8
	Algorithms      uint16
	PublicKeyType   uint8
	StaticOOBType   uint8
	OutputOOBSize   uint8
	OutputOOBAction uint16
	InputOOBSize    uint8
	InputOOBAction  uint16
}

func (c Capabilities) encode() []byte {
	b := make([]byte, sizeCapabilities)
	b[0] = c.Elements
	binary.BigEndian.PutUint16(b[1:], c.Algorithms)
	b[3] = c.PublicKeyType
	b[4] = c.StaticOOBType
	b[5] = c.OutputOOBSize
	binary.BigEndian.PutUint16(b[6:], c.OutputOOBAction)
	b[8] = c.InputOOBSize
	binary.BigEndian.PutUint16(b[9:], c.InputOOBAction)
	return b
}

func decodeCapabilities(b []byte) (Capabilities, error) {
	if len(b) != sizeCapabilities {
		return Capabilities{}, errors.Errorf("capabilities length %d", len(b))
	}
	c := Capabilities{
		Elements:        b[0],
		Algorithms:      binary.BigEndian.Uint16(b[1:]),
		PublicKeyType:   b[3],
		StaticOOBType:   b[4],
		OutputOOBSize:   b[5],
		OutputOOBAction: binary.BigEndian.Uint16(b[6:]),
		InputOOBSize:    b[8],
		InputOOBAction:  binary.BigEndian.Uint16(b[9:]),
	}
	if c.Elements == 0 {
		return c, errors.New("zero elements")
	}
	if c.Algorithms&AlgorithmP256 == 0 {
		return c, errors.New("fips p-256 not supported")
	}
	return c, nil
}

// Start carries the method the provisioner picked.
type Start struct {
	Algorithm  uint8
	PublicKey  uint8
	AuthMethod uint8
	AuthAction uint8
	AuthSize   uint8
}

func (s Start) encode() []byte {
	return []byte{s.Algorithm, s.PublicKey, s.AuthMethod, s.AuthAction, s.AuthSize}
}

func decodeStart(b []byte) (Start, error) {
	if len(b) != sizeStart {
		return Start{}, errors.Errorf("start length %d", len(b))
	}
	s := Start{Algorithm: b[0], PublicKey: b[1], AuthMethod: b[2], AuthAction: b[3], AuthSize: b[4]}
	if s.Algorithm != 0 || s.PublicKey > 1 || s.AuthMethod > AuthInputOOB {
		return s, errors.Errorf("prohibited start values % x", b)
	}
	switch s.AuthMethod {
	case AuthNoOOB, AuthStaticOOB:
		if s.AuthAction != 0 || s.AuthSize != 0 {
			return s, errors.New("auth action/size must be zero")
		}
	default:
		if s.AuthSize == 0 || s.AuthSize > 8 {
			return s, errors.Errorf("auth size %d", s.AuthSize)
		}
	}
	return s, nil
}

// Data is distributed to the device, encrypted with the session key.
type Data struct {
	NetKey     []byte
	KeyIndex   mesh.KeyIndex
	KeyRefresh bool
	IVUpdate   bool
	IVIndex    uint32
	Address    mesh.Address
}

func (d Data) encode() []byte {
	b := make([]byte, sizeData)
	copy(b, d.NetKey)
	binary.BigEndian.PutUint16(b[16:], uint16(d.KeyIndex))
	if d.KeyRefresh {
		b[18] |= 0x01
	}
	if d.IVUpdate {
		b[18] |= 0x02
	}
	binary.BigEndian.PutUint32(b[19:], d.IVIndex)
	binary.BigEndian.PutUint16(b[23:], uint16(d.Address))
	return b
}

func decodeData(b []byte) (Data, error) {
	if len(b) != sizeData {
		return Data{}, errors.Errorf("data length %d", len(b))
	}
	d := Data{
		NetKey:     append([]byte{}, b[:16]...),
		KeyIndex:   mesh.KeyIndex(binary.BigEndian.Uint16(b[16:])),
		KeyRefresh: b[18]&0x01 != 0,
		IVUpdate:   b[18]&0x02 != 0,
		IVIndex:    binary.BigEndian.Uint32(b[19:]),
		Address:    mesh.Address(binary.BigEndian.Uint16(b[23:])),
	}
	if !d.KeyIndex.Valid() || !d.Address.IsUnicast() || b[18]&0xFC != 0 {
		return d, errors.Errorf("invalid provisioning data")
	}
	return d, nil
}

// IsInvite reports whether pdu is a Provisioning Invite, the PDU that
// opens a provisioning link.
func IsInvite(pdu []byte) bool { return len(pdu) > 0 && pdu[0] == pduInvite }
