package stack

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/access"
	"github.com/rigado/mesh/adv"
	"github.com/rigado/mesh/transport"
	"github.com/rigado/mesh/upper"
)

// Target addresses an outgoing message.
type Target struct {
	Dst mesh.Address
	// Label sends to a virtual address. Dst may be left unassigned.
	Label *uuid.UUID
	// AppKey selects the application key. Nil secures the message with a
	// device key on subnet NetKey.
	AppKey *mesh.KeyIndex
	NetKey mesh.KeyIndex
	// Element is the index of the sending element of the local node.
	Element uint8
	// TTL overrides the configured default when non-zero.
	TTL uint8
	// LongMIC seals with a 64-bit TransMIC. The message is always
	// segmented.
	LongMIC bool
}

// AppKey is a convenience for Target.AppKey.
func AppKey(idx mesh.KeyIndex) *mesh.KeyIndex { return &idx }

func (t Target) dst() mesh.Address {
	if t.Label != nil {
		return upper.VirtualAddress(*t.Label)
	}
	return t.Dst
}

func (s *Stack) ttl(t Target) uint8 {
	if t.TTL != 0 {
		return t.TTL
	}
	return s.cfg.DefaultTTL
}

func (s *Stack) source(element uint8) (mesh.Address, error) {
	local := s.Local()
	if !local.IsUnicast() {
		return mesh.UnassignedAddress, errors.New("local node has no unicast address")
	}
	if n, err := s.keys.Node(local); err == nil && int(element) >= n.ElementCount() {
		return mesh.UnassignedAddress, errors.Errorf("element %d not on node %s", element, local)
	}
	return local + mesh.Address(element), nil
}

// Send encodes, encrypts and transmits m. It returns when the lower
// transport is done: immediately for unsegmented and group messages, after
// the segment acknowledgement for segmented unicast messages.
func (s *Stack) Send(ctx context.Context, t Target, m access.Message) error {
	if _, ok := m.(access.DeviceKeyMessage); ok && t.AppKey != nil {
		return errors.Errorf("%s is secured with the device key", access.Describe(m.Opcode()))
	}
	payload, err := access.Encode(m)
	if err != nil {
		return err
	}
	return s.sendAccess(ctx, t, payload)
}

func (s *Stack) sendAccess(ctx context.Context, t Target, payload []byte) error {
	src, err := s.source(t.Element)
	if err != nil {
		return err
	}
	dst := t.dst()
	if dst.IsUnassigned() {
		return errors.New("no destination")
	}

	netIdx := t.NetKey
	if t.AppKey != nil {
		if _, netIdx, err = s.keys.AppTx(*t.AppKey); err != nil {
			return err
		}
	}

	seq, err := s.net.NextSeq(src)
	if err != nil {
		return err
	}
	meta, pdu, err := s.upper.Encrypt(&upper.Outgoing{
		NetKeyIndex: netIdx,
		Src:         src,
		Dst:         dst,
		Label:       t.Label,
		AppKeyIndex: t.AppKey,
		SeqAuth:     seq,
		IVIndex:     s.net.TxIVIndex(),
		SZMIC:       t.LongMIC,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	return s.transmit(ctx, &transport.Outbound{
		Meta:        meta,
		NetKeyIndex: netIdx,
		Src:         src,
		Dst:         dst,
		TTL:         s.ttl(t),
		SZMIC:       t.LongMIC,
		SeqAuth:     seq,
		Payload:     pdu,
	})
}

func (s *Stack) transmit(ctx context.Context, o *transport.Outbound) error {
	err := s.lower.Send(ctx, o)
	if errors.Is(err, mesh.ErrSendTimeout) || errors.Is(err, mesh.ErrSendCancelled) {
		s.log.Warnf("send to %s failed: %v", o.Dst, err)
		s.emit(mesh.SendFailedEvent{Dst: o.Dst, Err: err})
	}
	return err
}

// SendAcknowledged sends m and waits for its status message. The wait is
// bounded by the configured acknowledged message timeout and by ctx.
func (s *Stack) SendAcknowledged(ctx context.Context, t Target, m access.Acknowledged) (*access.Result, error) {
	dst := t.dst()
	status, tid := m.StatusOpcode(), m.TransactionID()

	ch, err := s.pending.Register(dst, status, tid)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, t, m); err != nil {
		s.pending.Cancel(dst, status, tid, err)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return &r, nil
	case <-ctx.Done():
		s.pending.Cancel(dst, status, tid, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendControl transmits an upper transport control message on subnet
// t.NetKey.
func (s *Stack) SendControl(ctx context.Context, t Target, c access.ControlMessage) error {
	src, err := s.source(t.Element)
	if err != nil {
		return err
	}
	dst := t.dst()
	if dst.IsUnassigned() {
		return errors.New("no destination")
	}
	seq, err := s.net.NextSeq(src)
	if err != nil {
		return err
	}
	return s.transmit(ctx, &transport.Outbound{
		Meta:        transport.Meta{Control: true, Opcode: c.ControlOpcode()},
		NetKeyIndex: t.NetKey,
		Src:         src,
		Dst:         dst,
		TTL:         s.ttl(t),
		SeqAuth:     seq,
		Payload:     c.Parameters(),
	})
}

// Heartbeat publishes a heartbeat to dst on subnet netIdx.
func (s *Stack) Heartbeat(ctx context.Context, dst mesh.Address, netIdx mesh.KeyIndex, features uint16) error {
	t := Target{Dst: dst, NetKey: netIdx}
	return s.SendControl(ctx, t, &access.Heartbeat{InitTTL: s.ttl(t), Features: features})
}

// SendBeacon broadcasts the secure network beacon of subnet netIdx.
func (s *Stack) SendBeacon(netIdx mesh.KeyIndex) error {
	b, err := s.net.Beacon(netIdx)
	if err != nil {
		return err
	}
	return tagged{s.bearer, adv.Types.MeshBeacon}.Send(b)
}
