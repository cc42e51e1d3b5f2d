package stack

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/adv"
	"github.com/rigado/mesh/provisioning"
)

// Provisioning PDUs travel in a mesh provisioning structure as link ID ||
// PDU. The link ID keeps concurrent sessions apart.
const linkIDSize = 4

func (s *Stack) linkSender(linkID uint32) func([]byte) error {
	return func(pdu []byte) error {
		b := make([]byte, linkIDSize+len(pdu))
		binary.BigEndian.PutUint32(b, linkID)
		copy(b[linkIDSize:], pdu)
		return tagged{s.bearer, adv.Types.MeshProvisioning}.Send(b)
	}
}

func (s *Stack) sessionConfig(linkID uint32, cfg provisioning.Config) provisioning.Config {
	cfg.Send = s.linkSender(linkID)
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("link-%08x", linkID)
	}
	if cfg.Keys == nil {
		cfg.Keys = s.keys
	}
	if cfg.Clock == nil {
		cfg.Clock = s.cfg.Clock
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = s.cfg.ProvisioningTimeout
	}
	cfg.Events = s.provEvts
	return cfg
}

func (s *Stack) addSession(linkID uint32, sess *provisioning.Session) error {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	select {
	case <-s.done:
		return mesh.ErrClosed
	default:
	}
	if _, ok := s.sessions[linkID]; ok {
		return errors.Errorf("link %08x already open", linkID)
	}
	s.sessions[linkID] = sess
	return nil
}

func (s *Stack) removeSession(linkID uint32) {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	delete(s.sessions, linkID)
}

// Provision runs the provisioner role on link linkID and waits for the
// device to complete. The new node is added to the key manager; when
// cfg.Data.Address is unassigned the next free unicast range is used.
func (s *Stack) Provision(ctx context.Context, linkID uint32, cfg provisioning.Config) (*provisioning.Result, error) {
	sess, err := provisioning.NewProvisioner(s.sessionConfig(linkID, cfg))
	if err != nil {
		return nil, err
	}
	if err := s.addSession(linkID, sess); err != nil {
		return nil, err
	}
	defer s.removeSession(linkID)

	if err := sess.Start(); err != nil {
		sess.Close()
		return nil, err
	}
	r, err := sess.Wait(ctx)
	if err != nil {
		sess.Close()
		return nil, err
	}
	s.persist("provisioned node")
	return r, nil
}

// AcceptProvisioning lets an unprovisioned stack be provisioned: the next
// Invite on a new link starts a device session with cfg. cfg.Capabilities
// must describe the local elements.
func (s *Stack) AcceptProvisioning(cfg provisioning.Config) error {
	if s.Local().IsUnicast() {
		return errors.Errorf("already provisioned as %s", s.Local())
	}
	if cfg.Capabilities.Elements == 0 {
		return errors.New("device needs at least one element")
	}
	s.provMu.Lock()
	defer s.provMu.Unlock()
	s.device = &cfg
	return nil
}

func (s *Stack) receiveProvisioning(b []byte) {
	if len(b) <= linkIDSize {
		return
	}
	linkID := binary.BigEndian.Uint32(b)
	pdu := b[linkIDSize:]

	s.provMu.Lock()
	sess := s.sessions[linkID]
	device := s.device
	s.provMu.Unlock()

	if sess == nil {
		if device == nil || !provisioning.IsInvite(pdu) {
			s.log.Debugf("drop provisioning pdu on unknown link %08x", linkID)
			return
		}
		var err error
		if sess, err = s.openDeviceLink(linkID, *device); err != nil {
			s.log.Warnf("link %08x: %v", linkID, err)
			return
		}
	}

	if err := sess.Handle(pdu); err != nil {
		s.log.Debugf("link %08x: %v", linkID, err)
	}
}

func (s *Stack) openDeviceLink(linkID uint32, cfg provisioning.Config) (*provisioning.Session, error) {
	sess, err := provisioning.NewDevice(s.sessionConfig(linkID, cfg))
	if err != nil {
		return nil, err
	}
	if err := s.addSession(linkID, sess); err != nil {
		return nil, err
	}
	if err := sess.Start(); err != nil {
		s.removeSession(linkID)
		return nil, err
	}
	go s.awaitDevice(linkID, sess)
	return sess, nil
}

// awaitDevice adopts the provisioning data once the device session ends.
func (s *Stack) awaitDevice(linkID uint32, sess *provisioning.Session) {
	<-sess.Done()
	s.removeSession(linkID)

	r, err := sess.Result()
	if err != nil {
		s.log.Warnf("link %08x: provisioning failed: %v", linkID, err)
		return
	}

	s.provMu.Lock()
	s.device = nil
	s.provMu.Unlock()

	s.setLocal(r.Data.Address)
	if err := s.SetIVIndex(r.Data.IVIndex, r.Data.IVUpdate); err != nil {
		s.log.Errorf("adopt iv index %d: %v", r.Data.IVIndex, err)
	}
	if r.Data.KeyRefresh {
		s.log.Infof("provisioned as %s during key refresh of netkey %d", r.Data.Address, r.Data.KeyIndex)
	} else {
		s.log.Infof("provisioned as %s", r.Data.Address)
	}
	s.persist("provisioning data")
}

func (s *Stack) forwardProvisioningEvents() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.provEvts:
			s.emit(ev)
		}
	}
}
