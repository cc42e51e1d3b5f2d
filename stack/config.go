package stack

import (
	"bytes"
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/access"
	"github.com/rigado/mesh/upper"
)

// Composition identifies the product in Composition Data page 0.
type Composition struct {
	CID      uint16
	PID      uint16
	VID      uint16
	CRPL     uint16
	Features uint16
}

// OptComposition sets the identifiers the configuration server reports.
func OptComposition(c Composition) Option {
	return func(s *Stack) error {
		s.composition = c
		return nil
	}
}

// serveConfig answers configuration requests sent to the local node with
// its device key. It reports whether m was a configuration request.
func (s *Stack) serveConfig(a *upper.Access, m access.Message) bool {
	if a.AppKeyIndex != nil || !a.Dst.IsUnicast() {
		return false
	}

	var reply access.Message
	switch req := m.(type) {
	case *access.ConfigAppKeyAdd:
		reply = s.configAppKeyAdd(req)
	case *access.ConfigCompositionDataGet:
		reply = s.configComposition()
	case *access.ConfigModelAppBind:
		reply = s.configModelAppBind(req)
	case *access.ConfigRelayGet, *access.ConfigRelaySet:
		reply = &access.ConfigRelayStatus{RelaySettings: access.RelaySettings{Relay: access.RelayNotSupported}}
	case *access.ConfigNodeReset:
		reply = &access.ConfigNodeResetStatus{}
	default:
		return false
	}

	t := Target{Dst: a.Src, NetKey: a.NetKeyIndex, Element: uint8(a.Dst - s.Local())}
	go func() {
		// a segmented reply waits for its ack, which arrives on the
		// receive path
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckedMessageTimeout)
		defer cancel()
		if err := s.Send(ctx, t, reply); err != nil {
			s.log.Warnf("config reply %s to %s: %v", access.Describe(reply.Opcode()), a.Src, err)
			return
		}
		if _, ok := m.(*access.ConfigNodeReset); ok {
			s.reset()
		}
	}()
	return true
}

func (s *Stack) configAppKeyAdd(req *access.ConfigAppKeyAdd) access.Message {
	st := &access.ConfigAppKeyStatus{Status: access.StatusSuccess, NetKeyIndex: req.NetKeyIndex, AppKeyIndex: req.AppKeyIndex}

	if ak, err := s.keys.AppKey(req.AppKeyIndex); err == nil {
		if ak.NetKeyIndex != req.NetKeyIndex {
			st.Status = access.StatusInvalidNetKey
		} else if !bytes.Equal(ak.Current.Key, req.AppKey) {
			st.Status = access.StatusKeyIndexExists
		}
		return st
	}

	if err := s.keys.AddAppKey(req.AppKeyIndex, req.NetKeyIndex, req.AppKey); err != nil {
		st.Status = access.StatusUnspecified
		if errors.Is(err, mesh.ErrUnknownNetKey) {
			st.Status = access.StatusInvalidNetKey
		}
		s.log.Warnf("config appkey add %d: %v", req.AppKeyIndex, err)
		return st
	}
	s.persist("appkey")
	return st
}

func (s *Stack) configComposition() access.Message {
	c := s.composition
	st := &access.ConfigCompositionDataStatus{CID: c.CID, PID: c.PID, VID: c.VID, CRPL: c.CRPL, Features: c.Features}
	if n, err := s.keys.Node(s.Local()); err == nil {
		st.Elements = n.Elements
	}
	return st
}

func (s *Stack) configModelAppBind(req *access.ConfigModelAppBind) access.Message {
	st := &access.ConfigModelAppStatus{
		ElementAddress: req.ElementAddress,
		AppKeyIndex:    req.AppKeyIndex,
		Model:          req.Model,
		Vendor:         req.Vendor,
	}

	n, err := s.keys.Node(s.Local())
	if err != nil || !n.Owns(req.ElementAddress) {
		st.Status = access.StatusInvalidAddress
		return st
	}
	if _, err := s.keys.AppKey(req.AppKeyIndex); err != nil {
		st.Status = access.StatusInvalidAppKey
		return st
	}

	n.Elements = cloneElements(n.Elements)
	e := &n.Elements[req.ElementAddress-n.Address]
	for i := range e.Models {
		md := &e.Models[i]
		if md.ID != req.Model || md.Vendor != req.Vendor {
			continue
		}
		if !md.BoundTo(req.AppKeyIndex) {
			md.AppKeys = append(md.AppKeys, req.AppKeyIndex)
		}
		if err := s.keys.UpdateNode(n); err != nil {
			st.Status = access.StatusCannotBind
			return st
		}
		s.persist("model binding")
		st.Status = access.StatusSuccess
		return st
	}
	st.Status = access.StatusInvalidModel
	return st
}

// reset returns the node to the unprovisioned state. Keys, subscriptions
// and network state go with it so the device can be provisioned again.
func (s *Stack) reset() {
	local := s.Local()
	s.keys.Reset()
	s.net.Reset()

	s.mu.Lock()
	s.groups = map[mesh.Address]bool{}
	s.labels = map[mesh.Address][]uuid.UUID{}
	s.mu.Unlock()

	s.setLocal(mesh.UnassignedAddress)
	s.log.Infof("node %s reset", local)
	s.persist("node reset")
}

func cloneElements(in []mesh.Element) []mesh.Element {
	out := make([]mesh.Element, len(in))
	for i, e := range in {
		out[i] = mesh.Element{Location: e.Location, Models: make([]mesh.Model, len(e.Models))}
		for j, md := range e.Models {
			md.AppKeys = append([]mesh.KeyIndex{}, md.AppKeys...)
			md.Subscriptions = append([]mesh.Address{}, md.Subscriptions...)
			md.Labels = append(md.Labels[:0:0], md.Labels...)
			out[i].Models[j] = md
		}
	}
	return out
}
