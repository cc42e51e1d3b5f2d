package stack

import (
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/access"
	"github.com/rigado/mesh/adv"
	"github.com/rigado/mesh/transport"
)

func (s *Stack) receive(raw []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	recs, err := adv.Mesh(raw)
	if err != nil {
		s.log.Debugf("drop advertising data: %v", err)
		return
	}
	for _, r := range recs {
		switch r.Type {
		case adv.Types.MeshMessage:
			s.receiveNetwork(r.Data)
		case adv.Types.MeshBeacon:
			s.receiveBeacon(r.Data)
		case adv.Types.MeshProvisioning:
			s.receiveProvisioning(r.Data)
		}
	}
}

func (s *Stack) receiveNetwork(b []byte) {
	p := s.net.Decrypt(b)
	if p == nil {
		return
	}
	if !s.accepts(p.DST) {
		s.log.Debugf("drop %s -> %s: not addressed to %s", p.SRC, p.DST, s.Local())
		return
	}
	s.lower.Receive(p)
}

func (s *Stack) receiveBeacon(b []byte) {
	before, wasUpdating := s.net.IVIndex()
	if _, err := s.net.HandleBeacon(b); err != nil {
		s.log.Debugf("drop beacon: %v", err)
		return
	}
	index, updating := s.net.IVIndex()
	if index != before || updating != wasUpdating {
		s.emit(mesh.IVUpdateEvent{Index: index, Updating: updating})
		s.persist("iv index")
	}
}

// accepts reports whether the local node receives on dst.
func (s *Stack) accepts(dst mesh.Address) bool {
	local := s.Local()
	if !local.IsUnicast() {
		return false
	}

	switch {
	case dst.IsUnicast():
		if n, err := s.keys.Node(local); err == nil {
			return n.Owns(dst)
		}
		return dst == local
	case dst == mesh.AllNodes:
		return true
	case dst.IsVirtual():
		return len(s.labelsFor(dst)) > 0
	case dst.IsGroup():
		s.mu.RLock()
		ok := s.groups[dst]
		s.mu.RUnlock()
		if ok {
			return true
		}
		n, err := s.keys.Node(local)
		return err == nil && n.Subscribed(dst)
	}
	return false
}

// deliver is called by the lower transport with every complete upper
// transport PDU.
func (s *Stack) deliver(in *transport.Incoming) {
	if in.Control {
		c, err := access.DecodeControl(in.Opcode, in.Payload)
		if err != nil {
			s.log.Debugf("drop control 0x%02x from %s: %v", in.Opcode, in.Src, err)
			return
		}
		s.emit(mesh.MessageEvent{Src: in.Src, Dst: in.Dst, TTL: in.TTL, Message: c})
		return
	}

	a := s.upper.Decrypt(in)
	if a == nil {
		return
	}
	m, err := access.Decode(a.Payload)
	if err != nil {
		s.log.Debugf("drop access message from %s: %v", a.Src, err)
		return
	}
	if s.pending.Resolve(a.Src, m) {
		return
	}
	if s.serveConfig(a, m) {
		s.log.Debugf("served %s from %s", access.Describe(m.Opcode()), a.Src)
	}
	s.emit(mesh.MessageEvent{Src: a.Src, Dst: a.Dst, AppKey: a.AppKeyIndex, TTL: a.TTL, Message: m})
}
