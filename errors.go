package mesh

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSendTimeout                 = errors.New("send timed out")
	ErrSendCancelled               = errors.New("send cancelled by peer")
	ErrInvalidKeyRefreshTransition = errors.New("invalid key refresh transition")
	ErrSequenceExhausted           = errors.New("sequence number exhausted, iv update required")
	ErrUnknownNetKey               = errors.New("unknown netkey index")
	ErrUnknownAppKey               = errors.New("unknown appkey index")
	ErrUnknownNode                 = errors.New("unknown node")
	ErrAddressInUse                = errors.New("unicast address range in use")
	ErrPayloadTooLarge             = errors.New("payload too large")
	ErrMalformedPDU                = errors.New("malformed pdu")
	ErrTimeout                     = errors.New("operation timed out")
	ErrClosed                      = errors.New("closed")
)

// ProtocolError aborts a provisioning session or exchange. It is fatal for
// the session that raised it.
type ProtocolError struct {
	Op     string
	State  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s in state %s: %s", e.Op, e.State, e.Reason)
}

// IsProtocolError reports whether err (or its cause) is a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
