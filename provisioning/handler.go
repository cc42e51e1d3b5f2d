package provisioning

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/rigado/mesh"
	"github.com/rigado/mesh/security"
)

type dispatch struct {
	desc    string
	handler func(s *Session, p []byte) error
}

var dispatcher = map[byte]dispatch{
	pduInvite:        {"invite", onInvite},
	pduCapabilities:  {"capabilities", onCapabilities},
	pduStart:         {"start", onStart},
	pduPublicKey:     {"public key", onPublicKey},
	pduInputComplete: {"input complete", onInputComplete},
	pduConfirmation:  {"confirmation", onConfirmation},
	pduRandom:        {"random", onRandom},
	pduData:          {"data", onData},
	pduComplete:      {"complete", onComplete},
	pduFailed:        {"failed", onFailed},
}

// the PDU each role accepts in each state
var expected = map[Role]map[State]byte{
	RoleProvisioner: {
		StateInvite:            pduCapabilities,
		StatePublicKeyExchange: pduPublicKey,
		StateConfirmation:      pduConfirmation,
		StateRandom:            pduRandom,
		StateDataDistribution:  pduComplete,
	},
	RoleDevice: {
		StateIdle:              pduInvite,
		StateCapabilities:      pduStart,
		StateStart:             pduPublicKey,
		StatePublicKeyExchange: pduConfirmation,
		StateConfirmation:      pduRandom,
		StateRandom:            pduData,
	},
}

func random() ([]byte, error) {
	b := make([]byte, sizeRandom)
	_, err := rand.Read(b)
	return b, err
}

// device
func onInvite(s *Session, p []byte) error {
	if len(p) != 1 {
		return s.fail(ReasonInvalidFormat, "invite", fmt.Sprintf("length %d", len(p)))
	}
	s.in.invite = append([]byte{}, p...)
	s.setState(StateInvite)

	s.caps = s.cfg.Capabilities
	s.in.capabilities = s.caps.encode()
	s.queue(pduCapabilities, s.in.capabilities)
	s.setState(StateCapabilities)
	return nil
}

// provisioner
func onCapabilities(s *Session, p []byte) error {
	c, err := decodeCapabilities(p)
	if err != nil {
		return s.fail(ReasonInvalidFormat, "capabilities", err.Error())
	}
	s.caps = c
	s.in.capabilities = append([]byte{}, p...)
	s.setState(StateCapabilities)

	start, err := s.cfg.Auth.Select(c)
	if err != nil {
		return s.fail(ReasonUnexpectedError, "capabilities", err.Error())
	}
	if start.AuthMethod == AuthInputOOB {
		return s.fail(ReasonUnexpectedError, "capabilities", "input oob is not supported")
	}
	s.start = start
	s.in.start = start.encode()
	s.queue(pduStart, s.in.start)
	s.setState(StateStart)

	s.in.provisioner = s.ecdh.PublicBytes()
	s.queue(pduPublicKey, s.in.provisioner)
	s.setState(StatePublicKeyExchange)
	return nil
}

// device
func onStart(s *Session, p []byte) error {
	start, err := decodeStart(p)
	if err != nil {
		return s.fail(ReasonInvalidFormat, "start", err.Error())
	}
	if start.PublicKey != 0 {
		return s.fail(ReasonInvalidFormat, "start", "oob public key not available")
	}
	if start.AuthMethod == AuthInputOOB {
		return s.fail(ReasonInvalidFormat, "start", "input oob is not supported")
	}
	s.start = start
	s.in.start = append([]byte{}, p...)
	s.setState(StateStart)
	return nil
}

func onPublicKey(s *Session, p []byte) error {
	if len(p) != security.PublicKeySize {
		return s.fail(ReasonInvalidFormat, "public key", fmt.Sprintf("length %d", len(p)))
	}

	secret, err := s.ecdh.SharedSecret(p)
	if err != nil {
		return s.fail(ReasonUnexpectedError, "public key", err.Error())
	}
	s.secret = secret

	if s.role == RoleDevice {
		s.in.provisioner = append([]byte{}, p...)
		s.in.device = s.ecdh.PublicBytes()
		s.queue(pduPublicKey, s.in.device)
		s.setState(StatePublicKeyExchange)
	} else {
		s.in.device = append([]byte{}, p...)
	}

	if s.keys, err = confirmationKeys(s.in, s.secret); err != nil {
		return s.fail(ReasonUnexpectedError, "public key", err.Error())
	}
	if s.authValue, err = s.cfg.Auth.Value(s.start); err != nil {
		return s.fail(ReasonUnexpectedError, "public key", err.Error())
	}
	if s.localRandom, err = random(); err != nil {
		return s.fail(ReasonOutOfResources, "public key", err.Error())
	}
	if s.localConfirm, err = confirmation(s.keys, s.localRandom, s.authValue); err != nil {
		return s.fail(ReasonUnexpectedError, "public key", err.Error())
	}

	// the provisioner confirms first
	if s.role == RoleProvisioner {
		s.queue(pduConfirmation, s.localConfirm)
		s.setState(StateConfirmation)
	}
	return nil
}

func onInputComplete(s *Session, p []byte) error {
	return s.fail(ReasonUnexpectedPDU, "input complete", "input oob is not supported")
}

func onConfirmation(s *Session, p []byte) error {
	if len(p) != sizeConfirmation {
		return s.fail(ReasonInvalidFormat, "confirmation", fmt.Sprintf("length %d", len(p)))
	}
	if bytes.Equal(p, s.localConfirm) {
		return s.fail(ReasonConfirmationFailed, "confirmation", "peer reflected our confirmation")
	}
	s.peerConfirm = append([]byte{}, p...)

	if s.role == RoleDevice {
		s.queue(pduConfirmation, s.localConfirm)
		s.setState(StateConfirmation)
		return nil
	}
	s.queue(pduRandom, s.localRandom)
	s.setState(StateRandom)
	return nil
}

func onRandom(s *Session, p []byte) error {
	if len(p) != sizeRandom {
		return s.fail(ReasonInvalidFormat, "random", fmt.Sprintf("length %d", len(p)))
	}
	exp, err := confirmation(s.keys, p, s.authValue)
	if err != nil {
		return s.fail(ReasonUnexpectedError, "random", err.Error())
	}
	if !bytes.Equal(exp, s.peerConfirm) {
		return s.fail(ReasonConfirmationFailed, "random", "confirmation mismatch")
	}

	provRandom, devRandom := s.localRandom, p
	if s.role == RoleDevice {
		provRandom, devRandom = p, s.localRandom
	}
	dk, err := deriveDataKeys(s.keys, s.secret, provRandom, devRandom)
	if err != nil {
		return s.fail(ReasonUnexpectedError, "random", err.Error())
	}
	s.data = dk

	if s.role == RoleDevice {
		s.queue(pduRandom, s.localRandom)
		s.setState(StateRandom)
		return nil
	}

	data := s.cfg.Data
	if data.Address == mesh.UnassignedAddress && s.cfg.Keys != nil {
		if data.Address, err = s.cfg.Keys.NextUnicast(int(s.caps.Elements)); err != nil {
			return s.fail(ReasonCannotAssignAddresses, "random", err.Error())
		}
	}
	if !data.Address.IsUnicast() || !(data.Address + mesh.Address(s.caps.Elements) - 1).IsUnicast() {
		return s.fail(ReasonCannotAssignAddresses, "random", fmt.Sprintf("address %s", data.Address))
	}
	sealed, err := dk.seal(data)
	if err != nil {
		return s.fail(ReasonUnexpectedError, "random", err.Error())
	}
	s.cfg.Data = data
	s.queue(pduData, sealed)
	s.setState(StateDataDistribution)
	return nil
}

// device
func onData(s *Session, p []byte) error {
	if len(p) != sizeData+sizeDataMIC {
		return s.fail(ReasonInvalidFormat, "data", fmt.Sprintf("length %d", len(p)))
	}
	data, err := s.data.open(p)
	if err != nil {
		if err == security.ErrMICMismatch {
			return s.fail(ReasonDecryptionFailed, "data", "session key mismatch")
		}
		return s.fail(ReasonInvalidFormat, "data", err.Error())
	}
	s.setState(StateDataDistribution)

	node := s.node(data.Address, data.KeyIndex)
	if s.cfg.Keys != nil {
		add := s.cfg.Keys.AddNetKey
		if data.KeyRefresh {
			add = s.cfg.Keys.JoinRefresh
		}
		if err := add(data.KeyIndex, data.NetKey); err != nil {
			return s.fail(ReasonUnexpectedError, "data", err.Error())
		}
		if err := s.cfg.Keys.AddNode(node); err != nil {
			return s.fail(ReasonUnexpectedError, "data", err.Error())
		}
	}

	s.queue(pduComplete, nil)
	s.log.Infof("provisioned as %s", data.Address)
	s.finish(&Result{Data: data, DeviceKey: node.DeviceKey, Node: node}, nil)
	return nil
}

// provisioner
func onComplete(s *Session, p []byte) error {
	if len(p) != 0 {
		return s.fail(ReasonInvalidFormat, "complete", fmt.Sprintf("length %d", len(p)))
	}
	node := s.node(s.cfg.Data.Address, s.cfg.Data.KeyIndex)
	if s.cfg.Keys != nil {
		if err := s.cfg.Keys.AddNode(node); err != nil {
			return s.fail(ReasonUnexpectedError, "complete", err.Error())
		}
	}
	s.log.Infof("device provisioned at %s", node.Address)
	s.finish(&Result{Data: s.cfg.Data, DeviceKey: node.DeviceKey, Node: node}, nil)
	return nil
}

func onFailed(s *Session, p []byte) error {
	reason := byte(ReasonUnexpectedError)
	if len(p) == 1 {
		reason = p[0]
	}
	err := &mesh.ProtocolError{Op: "failed", State: s.state.String(), Reason: "peer reported " + reasonString(reason)}
	s.log.Errorf("%v", err)
	s.finish(nil, err)
	return err
}

func (s *Session) node(addr mesh.Address, netIdx mesh.KeyIndex) *mesh.Node {
	n := &mesh.Node{
		Address:       addr,
		DeviceKey:     append([]byte{}, s.data.deviceKey...),
		Elements:      make([]mesh.Element, s.caps.Elements),
		NetKeyIndexes: []mesh.KeyIndex{netIdx},
		UUID:          s.cfg.UUID,
	}
	if s.role == RoleProvisioner {
		n.Name = s.cfg.ID
	}
	return n
}
