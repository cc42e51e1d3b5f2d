package mesh

// Event is delivered on a stack's event channel. The set of events is closed.
type Event interface {
	isEvent()
}

// MessageEvent carries a decoded access or control message.
type MessageEvent struct {
	Src     Address
	Dst     Address
	AppKey  *KeyIndex // nil when the device key was used or for control messages
	TTL     uint8
	Message interface{}
}

// SendFailedEvent reports a segmented delivery that exhausted its retries.
type SendFailedEvent struct {
	Dst Address
	Err error
}

// ProvisioningEvent reports a state change of a provisioning session.
type ProvisioningEvent struct {
	Session string
	State   string
	Err     error
}

// IVUpdateEvent reports that the local IV index state changed.
type IVUpdateEvent struct {
	Index    uint32
	Updating bool
}

func (MessageEvent) isEvent()      {}
func (SendFailedEvent) isEvent()   {}
func (ProvisioningEvent) isEvent() {}
func (IVUpdateEvent) isEvent()     {}
