package access

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

type entry struct {
	desc   string
	minLen int
	maxLen int
	parse  func(p []byte) (Message, error)
}

func mk(desc string, min, max int, parse func(p []byte) (Message, error)) entry {
	return entry{desc: desc, minLen: min, maxLen: max, parse: parse}
}

var registry = map[Opcode]entry{
	OpConfigAppKeyAdd:               mk("config appkey add", 19, 19, parseConfigAppKeyAdd),
	OpConfigAppKeyStatus:            mk("config appkey status", 4, 4, parseConfigAppKeyStatus),
	OpConfigCompositionDataGet:      mk("config composition get", 1, 1, parseConfigCompositionDataGet),
	OpConfigCompositionDataStatus:   mk("config composition status", 11, 378, parseConfigCompositionDataStatus),
	OpConfigRelayGet:                mk("config relay get", 0, 0, func([]byte) (Message, error) { return &ConfigRelayGet{}, nil }),
	OpConfigRelaySet:                mk("config relay set", 2, 2, func(p []byte) (Message, error) { return &ConfigRelaySet{RelaySettings: decodeRelaySettings(p)}, nil }),
	OpConfigRelayStatus:             mk("config relay status", 2, 2, func(p []byte) (Message, error) { return &ConfigRelayStatus{RelaySettings: decodeRelaySettings(p)}, nil }),
	OpConfigModelAppBind:            mk("config model app bind", 6, 8, parseConfigModelAppBind),
	OpConfigModelAppStatus:          mk("config model app status", 7, 9, parseConfigModelAppStatus),
	OpConfigNodeReset:               mk("config node reset", 0, 0, func([]byte) (Message, error) { return &ConfigNodeReset{}, nil }),
	OpConfigNodeResetStatus:         mk("config node reset status", 0, 0, func([]byte) (Message, error) { return &ConfigNodeResetStatus{}, nil }),
	OpGenericOnOffGet:               mk("generic onoff get", 0, 0, func([]byte) (Message, error) { return &GenericOnOffGet{}, nil }),
	OpGenericOnOffSet:               mk("generic onoff set", 2, 4, parseGenericOnOffSet(false)),
	OpGenericOnOffSetUnacknowledged: mk("generic onoff set unack", 2, 4, parseGenericOnOffSet(true)),
	OpGenericOnOffStatus:            mk("generic onoff status", 1, 3, parseGenericOnOffStatus),
}

// vendor opcodes registered at runtime
var (
	vendorMu sync.RWMutex
	vendors  = map[Opcode]entry{}
)

// RegisterVendor makes a vendor opcode decode to *VendorMessage with a
// parameter length between min and max.
func RegisterVendor(op Opcode, desc string, min, max int) error {
	if !op.IsVendor() {
		return errors.Errorf("opcode %s is not a vendor opcode", op)
	}
	if min < 0 || max < min {
		return errors.Errorf("invalid length contract %d..%d", min, max)
	}
	vendorMu.Lock()
	defer vendorMu.Unlock()
	vendors[op] = mk(desc, min, max, func(p []byte) (Message, error) {
		return &VendorMessage{Op: op, Params: append([]byte{}, p...)}, nil
	})
	return nil
}

func lookup(op Opcode) (entry, bool) {
	if e, ok := registry[op]; ok {
		return e, true
	}
	vendorMu.RLock()
	defer vendorMu.RUnlock()
	e, ok := vendors[op]
	return e, ok
}

// Describe returns a human readable name for an opcode.
func Describe(op Opcode) string {
	if e, ok := lookup(op); ok {
		return e.desc
	}
	return "unrecognized " + op.String()
}

// Encode serialises a message to an access payload: opcode || parameters.
func Encode(m Message) ([]byte, error) {
	b, err := AppendOpcode(nil, m.Opcode())
	if err != nil {
		return nil, err
	}
	return append(b, m.Parameters()...), nil
}

// Decode parses an access payload into a typed message. Unknown opcodes
// produce *Unrecognized; a length violation is a malformed PDU.
func Decode(payload []byte) (Message, error) {
	op, n, err := ParseOpcode(payload)
	if err != nil {
		return nil, errors.Wrap(mesh.ErrMalformedPDU, err.Error())
	}
	params := payload[n:]

	e, ok := lookup(op)
	if !ok {
		return &Unrecognized{Op: op, Params: append([]byte{}, params...)}, nil
	}

	if len(params) < e.minLen || len(params) > e.maxLen {
		return nil, errors.Wrapf(mesh.ErrMalformedPDU, "%s: parameter length %d not in %d..%d",
			e.desc, len(params), e.minLen, e.maxLen)
	}
	return e.parse(params)
}
