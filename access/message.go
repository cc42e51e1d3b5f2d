package access

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// SIG opcodes
const (
	OpConfigAppKeyAdd               Opcode = 0x00
	OpConfigCompositionDataStatus   Opcode = 0x02
	OpConfigAppKeyStatus            Opcode = 0x8003
	OpConfigCompositionDataGet      Opcode = 0x8008
	OpConfigRelayGet                Opcode = 0x8026
	OpConfigRelaySet                Opcode = 0x8027
	OpConfigRelayStatus             Opcode = 0x8028
	OpConfigModelAppBind            Opcode = 0x803D
	OpConfigModelAppStatus          Opcode = 0x803E
	OpConfigNodeReset               Opcode = 0x8049
	OpConfigNodeResetStatus         Opcode = 0x804A
	OpGenericOnOffGet               Opcode = 0x8201
	OpGenericOnOffSet               Opcode = 0x8202
	OpGenericOnOffSetUnacknowledged Opcode = 0x8203
	OpGenericOnOffStatus            Opcode = 0x8204
)

// Message is a typed access message. The set of implementations is closed;
// unknown opcodes decode to *Unrecognized.
type Message interface {
	Opcode() Opcode
	// Parameters returns the encoded message parameters.
	Parameters() []byte

	isMessage()
}

// Acknowledged is implemented by messages that expect a status reply.
type Acknowledged interface {
	Message
	StatusOpcode() Opcode
	// TransactionID distinguishes concurrent requests to the same peer.
	TransactionID() uint8
}

// DeviceKeyMessage is implemented by configuration messages, which are
// always secured with the device key.
type DeviceKeyMessage interface {
	Message
	usesDeviceKey()
}

type configMessage struct{}

func (configMessage) usesDeviceKey() {}

// two 12-bit key indexes packed into three bytes
func putKeyIndexes(b []byte, first, second mesh.KeyIndex) {
	b[0] = byte(first)
	b[1] = byte(first>>8)&0x0F | byte(second<<4)
	b[2] = byte(second >> 4)
}

func keyIndexes(b []byte) (mesh.KeyIndex, mesh.KeyIndex) {
	first := mesh.KeyIndex(b[0]) | mesh.KeyIndex(b[1]&0x0F)<<8
	second := mesh.KeyIndex(b[1]>>4) | mesh.KeyIndex(b[2])<<4
	return first, second
}

type ConfigAppKeyAdd struct {
	configMessage
	NetKeyIndex mesh.KeyIndex
	AppKeyIndex mesh.KeyIndex
	AppKey      []byte
}

func (m *ConfigAppKeyAdd) Opcode() Opcode       { return OpConfigAppKeyAdd }
func (m *ConfigAppKeyAdd) StatusOpcode() Opcode { return OpConfigAppKeyStatus }
func (m *ConfigAppKeyAdd) TransactionID() uint8 { return 0 }
func (m *ConfigAppKeyAdd) Parameters() []byte {
	b := make([]byte, 19)
	putKeyIndexes(b, m.NetKeyIndex, m.AppKeyIndex)
	copy(b[3:], m.AppKey)
	return b
}

func parseConfigAppKeyAdd(p []byte) (Message, error) {
	m := &ConfigAppKeyAdd{}
	m.NetKeyIndex, m.AppKeyIndex = keyIndexes(p)
	m.AppKey = append([]byte{}, p[3:19]...)
	return m, nil
}

// Status codes shared by configuration status messages.
const (
	StatusSuccess        = 0x00
	StatusInvalidAddress = 0x01
	StatusInvalidModel   = 0x02
	StatusInvalidAppKey  = 0x03
	StatusInvalidNetKey  = 0x04
	StatusKeyIndexExists = 0x06
	StatusCannotBind     = 0x0D
	StatusUnspecified    = 0x10
)

type ConfigAppKeyStatus struct {
	configMessage
	Status      byte
	NetKeyIndex mesh.KeyIndex
	AppKeyIndex mesh.KeyIndex
}

func (m *ConfigAppKeyStatus) Opcode() Opcode { return OpConfigAppKeyStatus }
func (m *ConfigAppKeyStatus) Parameters() []byte {
	b := make([]byte, 4)
	b[0] = m.Status
	putKeyIndexes(b[1:], m.NetKeyIndex, m.AppKeyIndex)
	return b
}

func parseConfigAppKeyStatus(p []byte) (Message, error) {
	m := &ConfigAppKeyStatus{Status: p[0]}
	m.NetKeyIndex, m.AppKeyIndex = keyIndexes(p[1:])
	return m, nil
}

type ConfigCompositionDataGet struct {
	configMessage
	Page byte
}

func (m *ConfigCompositionDataGet) Opcode() Opcode       { return OpConfigCompositionDataGet }
func (m *ConfigCompositionDataGet) StatusOpcode() Opcode { return OpConfigCompositionDataStatus }
func (m *ConfigCompositionDataGet) TransactionID() uint8 { return 0 }
func (m *ConfigCompositionDataGet) Parameters() []byte   { return []byte{m.Page} }

func parseConfigCompositionDataGet(p []byte) (Message, error) {
	return &ConfigCompositionDataGet{Page: p[0]}, nil
}

// ConfigCompositionDataStatus carries composition data page 0.
type ConfigCompositionDataStatus struct {
	configMessage
	Page     byte
	CID      uint16
	PID      uint16
	VID      uint16
	CRPL     uint16
	Features uint16
	Elements []mesh.Element
}

func (m *ConfigCompositionDataStatus) Opcode() Opcode { return OpConfigCompositionDataStatus }
func (m *ConfigCompositionDataStatus) Parameters() []byte {
	b := make([]byte, 11, 64)
	b[0] = m.Page
	binary.LittleEndian.PutUint16(b[1:], m.CID)
	binary.LittleEndian.PutUint16(b[3:], m.PID)
	binary.LittleEndian.PutUint16(b[5:], m.VID)
	binary.LittleEndian.PutUint16(b[7:], m.CRPL)
	binary.LittleEndian.PutUint16(b[9:], m.Features)

	for _, e := range m.Elements {
		var sig, vnd []mesh.Model
		for _, md := range e.Models {
			if md.Vendor {
				vnd = append(vnd, md)
			} else {
				sig = append(sig, md)
			}
		}
		b = append(b, byte(e.Location), byte(e.Location>>8), byte(len(sig)), byte(len(vnd)))
		for _, md := range sig {
			b = append(b, byte(md.ID), byte(md.ID>>8))
		}
		for _, md := range vnd {
			company := uint16(md.ID >> 16)
			b = append(b, byte(company), byte(company>>8), byte(md.ID), byte(md.ID>>8))
		}
	}
	return b
}

func parseConfigCompositionDataStatus(p []byte) (Message, error) {
	m := &ConfigCompositionDataStatus{
		Page:     p[0],
		CID:      binary.LittleEndian.Uint16(p[1:]),
		PID:      binary.LittleEndian.Uint16(p[3:]),
		VID:      binary.LittleEndian.Uint16(p[5:]),
		CRPL:     binary.LittleEndian.Uint16(p[7:]),
		Features: binary.LittleEndian.Uint16(p[9:]),
	}

	rest := p[11:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, errors.Wrap(mesh.ErrMalformedPDU, "truncated element header")
		}
		loc := binary.LittleEndian.Uint16(rest)
		numS, numV := int(rest[2]), int(rest[3])
		rest = rest[4:]
		if len(rest) < numS*2+numV*4 {
			return nil, errors.Wrap(mesh.ErrMalformedPDU, "truncated model list")
		}

		e := mesh.Element{Location: loc}
		for i := 0; i < numS; i++ {
			e.Models = append(e.Models, mesh.Model{ID: mesh.SIGModel(binary.LittleEndian.Uint16(rest))})
			rest = rest[2:]
		}
		for i := 0; i < numV; i++ {
			company := binary.LittleEndian.Uint16(rest)
			id := binary.LittleEndian.Uint16(rest[2:])
			e.Models = append(e.Models, mesh.Model{ID: mesh.VendorModel(company, id), Vendor: true})
			rest = rest[4:]
		}
		m.Elements = append(m.Elements, e)
	}
	return m, nil
}

type ConfigRelayGet struct{ configMessage }

func (m *ConfigRelayGet) Opcode() Opcode       { return OpConfigRelayGet }
func (m *ConfigRelayGet) StatusOpcode() Opcode { return OpConfigRelayStatus }
func (m *ConfigRelayGet) TransactionID() uint8 { return 0 }
func (m *ConfigRelayGet) Parameters() []byte   { return nil }

// Relay states
const (
	RelayDisabled     = 0x00
	RelayEnabled      = 0x01
	RelayNotSupported = 0x02
)

// RelaySettings is the relay state with its retransmit parameters.
type RelaySettings struct {
	Relay           byte
	RetransmitCount byte // 3 bits
	IntervalSteps   byte // 5 bits
}

func (r RelaySettings) encode() []byte {
	return []byte{r.Relay, r.RetransmitCount&0x07 | (r.IntervalSteps&0x1F)<<3}
}

func decodeRelaySettings(p []byte) RelaySettings {
	return RelaySettings{
		Relay:           p[0],
		RetransmitCount: p[1] & 0x07,
		IntervalSteps:   (p[1] >> 3) & 0x1F,
	}
}

type ConfigRelaySet struct {
	configMessage
	RelaySettings
}

func (m *ConfigRelaySet) Opcode() Opcode       { return OpConfigRelaySet }
func (m *ConfigRelaySet) StatusOpcode() Opcode { return OpConfigRelayStatus }
func (m *ConfigRelaySet) TransactionID() uint8 { return 0 }
func (m *ConfigRelaySet) Parameters() []byte   { return m.encode() }

type ConfigRelayStatus struct {
	configMessage
	RelaySettings
}

func (m *ConfigRelayStatus) Opcode() Opcode     { return OpConfigRelayStatus }
func (m *ConfigRelayStatus) Parameters() []byte { return m.encode() }

type ConfigModelAppBind struct {
	configMessage
	ElementAddress mesh.Address
	AppKeyIndex    mesh.KeyIndex
	Model          mesh.ModelID
	Vendor         bool
}

func (m *ConfigModelAppBind) Opcode() Opcode       { return OpConfigModelAppBind }
func (m *ConfigModelAppBind) StatusOpcode() Opcode { return OpConfigModelAppStatus }
func (m *ConfigModelAppBind) TransactionID() uint8 { return 0 }
func (m *ConfigModelAppBind) Parameters() []byte {
	b := make([]byte, 4, 8)
	binary.LittleEndian.PutUint16(b, uint16(m.ElementAddress))
	binary.LittleEndian.PutUint16(b[2:], uint16(m.AppKeyIndex))
	return appendModelID(b, m.Model, m.Vendor)
}

func appendModelID(b []byte, id mesh.ModelID, vendor bool) []byte {
	if vendor {
		company := uint16(id >> 16)
		return append(b, byte(company), byte(company>>8), byte(id), byte(id>>8))
	}
	return append(b, byte(id), byte(id>>8))
}

func parseModelID(p []byte) (mesh.ModelID, bool) {
	if len(p) == 4 {
		return mesh.VendorModel(binary.LittleEndian.Uint16(p), binary.LittleEndian.Uint16(p[2:])), true
	}
	return mesh.SIGModel(binary.LittleEndian.Uint16(p)), false
}

func parseConfigModelAppBind(p []byte) (Message, error) {
	m := &ConfigModelAppBind{
		ElementAddress: mesh.Address(binary.LittleEndian.Uint16(p)),
		AppKeyIndex:    mesh.KeyIndex(binary.LittleEndian.Uint16(p[2:]) & 0x0FFF),
	}
	m.Model, m.Vendor = parseModelID(p[4:])
	return m, nil
}

type ConfigModelAppStatus struct {
	configMessage
	Status         byte
	ElementAddress mesh.Address
	AppKeyIndex    mesh.KeyIndex
	Model          mesh.ModelID
	Vendor         bool
}

func (m *ConfigModelAppStatus) Opcode() Opcode { return OpConfigModelAppStatus }
func (m *ConfigModelAppStatus) Parameters() []byte {
	b := make([]byte, 5, 9)
	b[0] = m.Status
	binary.LittleEndian.PutUint16(b[1:], uint16(m.ElementAddress))
	binary.LittleEndian.PutUint16(b[3:], uint16(m.AppKeyIndex))
	return appendModelID(b, m.Model, m.Vendor)
}

func parseConfigModelAppStatus(p []byte) (Message, error) {
	m := &ConfigModelAppStatus{
		Status:         p[0],
		ElementAddress: mesh.Address(binary.LittleEndian.Uint16(p[1:])),
		AppKeyIndex:    mesh.KeyIndex(binary.LittleEndian.Uint16(p[3:]) & 0x0FFF),
	}
	m.Model, m.Vendor = parseModelID(p[5:])
	return m, nil
}

type ConfigNodeReset struct{ configMessage }

func (m *ConfigNodeReset) Opcode() Opcode       { return OpConfigNodeReset }
func (m *ConfigNodeReset) StatusOpcode() Opcode { return OpConfigNodeResetStatus }
func (m *ConfigNodeReset) TransactionID() uint8 { return 0 }
func (m *ConfigNodeReset) Parameters() []byte   { return nil }

type ConfigNodeResetStatus struct{ configMessage }

func (m *ConfigNodeResetStatus) Opcode() Opcode     { return OpConfigNodeResetStatus }
func (m *ConfigNodeResetStatus) Parameters() []byte { return nil }

type GenericOnOffGet struct{}

func (m *GenericOnOffGet) Opcode() Opcode       { return OpGenericOnOffGet }
func (m *GenericOnOffGet) StatusOpcode() Opcode { return OpGenericOnOffStatus }
func (m *GenericOnOffGet) TransactionID() uint8 { return 0 }
func (m *GenericOnOffGet) Parameters() []byte   { return nil }

// Transition is the optional transition time and delay of a set message.
type Transition struct {
	Time  byte
	Delay byte
}

type GenericOnOffSet struct {
	OnOff      bool
	TID        uint8
	Transition *Transition
	// Unacknowledged selects the SetUnacknowledged opcode.
	Unacknowledged bool
}

func (m *GenericOnOffSet) Opcode() Opcode {
	if m.Unacknowledged {
		return OpGenericOnOffSetUnacknowledged
	}
	return OpGenericOnOffSet
}
func (m *GenericOnOffSet) StatusOpcode() Opcode { return OpGenericOnOffStatus }
func (m *GenericOnOffSet) TransactionID() uint8 { return m.TID }
func (m *GenericOnOffSet) Parameters() []byte {
	b := []byte{boolByte(m.OnOff), m.TID}
	if m.Transition != nil {
		b = append(b, m.Transition.Time, m.Transition.Delay)
	}
	return b
}

func parseGenericOnOffSet(unack bool) func(p []byte) (Message, error) {
	return func(p []byte) (Message, error) {
		if len(p) == 3 {
			return nil, errors.Wrap(mesh.ErrMalformedPDU, "transition time without delay")
		}
		if p[0] > 1 {
			return nil, errors.Wrapf(mesh.ErrMalformedPDU, "onoff value %d", p[0])
		}
		m := &GenericOnOffSet{OnOff: p[0] == 1, TID: p[1], Unacknowledged: unack}
		if len(p) == 4 {
			m.Transition = &Transition{Time: p[2], Delay: p[3]}
		}
		return m, nil
	}
}

type GenericOnOffStatus struct {
	Present   bool
	Target    *bool
	Remaining byte
}

func (m *GenericOnOffStatus) Opcode() Opcode { return OpGenericOnOffStatus }
func (m *GenericOnOffStatus) Parameters() []byte {
	b := []byte{boolByte(m.Present)}
	if m.Target != nil {
		b = append(b, boolByte(*m.Target), m.Remaining)
	}
	return b
}

func parseGenericOnOffStatus(p []byte) (Message, error) {
	if len(p) == 2 {
		return nil, errors.Wrap(mesh.ErrMalformedPDU, "target state without remaining time")
	}
	m := &GenericOnOffStatus{Present: p[0] == 1}
	if len(p) == 3 {
		t := p[1] == 1
		m.Target = &t
		m.Remaining = p[2]
	}
	return m, nil
}

// VendorMessage is a registered vendor opcode with opaque parameters.
type VendorMessage struct {
	Op     Opcode
	Params []byte
}

func (m *VendorMessage) Opcode() Opcode     { return m.Op }
func (m *VendorMessage) Parameters() []byte { return m.Params }

// Unrecognized is any opcode missing from the registry.
type Unrecognized struct {
	Op     Opcode
	Params []byte
}

func (m *Unrecognized) Opcode() Opcode     { return m.Op }
func (m *Unrecognized) Parameters() []byte { return m.Params }

func (*ConfigAppKeyAdd) isMessage()             {}
func (*ConfigAppKeyStatus) isMessage()          {}
func (*ConfigCompositionDataGet) isMessage()    {}
func (*ConfigCompositionDataStatus) isMessage() {}
func (*ConfigRelayGet) isMessage()              {}
func (*ConfigRelaySet) isMessage()              {}
func (*ConfigRelayStatus) isMessage()           {}
func (*ConfigModelAppBind) isMessage()          {}
func (*ConfigModelAppStatus) isMessage()        {}
func (*ConfigNodeReset) isMessage()             {}
func (*ConfigNodeResetStatus) isMessage()       {}
func (*GenericOnOffGet) isMessage()             {}
func (*GenericOnOffSet) isMessage()             {}
func (*GenericOnOffStatus) isMessage()          {}
func (*VendorMessage) isMessage()               {}
func (*Unrecognized) isMessage()                {}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
