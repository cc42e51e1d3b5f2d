package provisioning

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// Auth chooses the authentication method and supplies the AuthValue.
type Auth interface {
	// Select picks the start parameters from the device capabilities. It
	// is only called on the provisioner.
	Select(c Capabilities) (Start, error)
	// Value returns the 16-byte AuthValue for the agreed method.
	Value(s Start) ([]byte, error)
}

// NoOOB authenticates with a zero AuthValue.
type NoOOB struct{}

func (NoOOB) Select(Capabilities) (Start, error) { return Start{AuthMethod: AuthNoOOB}, nil }

func (NoOOB) Value(s Start) ([]byte, error) {
	if s.AuthMethod != AuthNoOOB {
		return nil, errors.Errorf("auth method %d not supported", s.AuthMethod)
	}
	return make([]byte, sizeKey), nil
}

// StaticOOB uses a 16-byte value known to both sides.
type StaticOOB struct {
	Key []byte
}

func (a StaticOOB) Select(c Capabilities) (Start, error) {
	if c.StaticOOBType&0x01 == 0 {
		return Start{}, errors.New("device has no static oob")
	}
	return Start{AuthMethod: AuthStaticOOB}, nil
}

func (a StaticOOB) Value(s Start) ([]byte, error) {
	if s.AuthMethod != AuthStaticOOB {
		return nil, errors.Errorf("auth method %d not supported", s.AuthMethod)
	}
	if len(a.Key) != sizeKey {
		return nil, errors.Errorf("static oob length %d", len(a.Key))
	}
	return append([]byte{}, a.Key...), nil
}

// OutputNumeric authenticates with a number the device shows. The device
// sets Display; the provisioner sets Prompt to read the number back.
type OutputNumeric struct {
	Digits  uint8
	Display func(n uint32)
	Prompt  func() (uint32, error)
}

func (a OutputNumeric) Select(c Capabilities) (Start, error) {
	if c.OutputOOBAction&(1<<ActionNumeric) == 0 || c.OutputOOBSize == 0 {
		return Start{}, errors.New("device cannot output a number")
	}
	size := a.Digits
	if size == 0 || size > c.OutputOOBSize {
		size = c.OutputOOBSize
	}
	if size > 8 {
		size = 8
	}
	return Start{AuthMethod: AuthOutputOOB, AuthAction: ActionNumeric, AuthSize: size}, nil
}

func (a OutputNumeric) Value(s Start) ([]byte, error) {
	if s.AuthMethod != AuthOutputOOB || s.AuthAction != ActionNumeric {
		return nil, errors.Errorf("auth method %d action %d not supported", s.AuthMethod, s.AuthAction)
	}

	var n uint32
	switch {
	case a.Display != nil:
		max := big.NewInt(1)
		for i := uint8(0); i < s.AuthSize; i++ {
			max.Mul(max, big.NewInt(10))
		}
		r, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, err
		}
		n = uint32(r.Uint64())
		a.Display(n)
	case a.Prompt != nil:
		var err error
		if n, err = a.Prompt(); err != nil {
			return nil, errors.Wrap(err, "read output oob")
		}
	default:
		return nil, errors.New("output oob needs a display or a prompt")
	}
	return numericValue(n), nil
}

// numericValue left-pads a number to 16 bytes.
func numericValue(n uint32) []byte {
	b := make([]byte, sizeKey)
	binary.BigEndian.PutUint32(b[12:], n)
	return b
}
