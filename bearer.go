package mesh

// Bearer moves raw PDU buffers between peers. Ordering and duplicate
// suppression are the engine's job; a bearer only needs to deliver most
// buffers intact.
type Bearer interface {
	// Send hands one PDU to the bearer.
	Send(pdu []byte) error

	// SetReceiver installs the callback invoked for every received PDU.
	// The callback must not retain the slice.
	SetReceiver(func(pdu []byte))

	Close() error
}
