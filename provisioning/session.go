package provisioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/security"
)

type Role int

const (
	RoleProvisioner Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleDevice {
		return "device"
	}
	return "provisioner"
}

type State int

const (
	StateIdle State = iota
	StateInvite
	StateCapabilities
	StateStart
	StatePublicKeyExchange
	StateConfirmation
	StateRandom
	StateDataDistribution
	StateComplete
	StateFailed
)

var stateStrings = map[State]string{
	StateIdle:              "idle",
	StateInvite:            "invite",
	StateCapabilities:      "capabilities",
	StateStart:             "start",
	StatePublicKeyExchange: "public key exchange",
	StateConfirmation:      "confirmation",
	StateRandom:            "random",
	StateDataDistribution:  "data distribution",
	StateComplete:          "complete",
	StateFailed:            "failed",
}

func (s State) String() string {
	if v, ok := stateStrings[s]; ok {
		return v
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures one provisioning session.
type Config struct {
	// ID names the session in events and logs.
	ID string
	// Send writes one provisioning PDU to the provisioning bearer.
	Send func(pdu []byte) error
	Auth Auth

	Clock   clock.Clock
	Timeout time.Duration

	// Keys receives the resulting node and keys on completion.
	Keys   *keys.Manager
	Events chan<- mesh.Event

	// provisioner
	Attention uint8
	// Data.Address may be left unassigned when Keys is set.
	Data Data

	// device
	Capabilities Capabilities
	UUID         uuid.UUID
}

// Result is produced by a completed session.
type Result struct {
	Data      Data
	DeviceKey []byte
	Node      *mesh.Node
}

// Session is one provisioning handshake. Sessions share no state; a
// session's steps are serialised by its lock.
type Session struct {
	mu   sync.Mutex
	role Role
	cfg  Config

	state  State
	timer  *clock.Timer
	outbox [][]byte

	ecdh      *security.ECDHKeys
	in        inputs
	secret    []byte
	keys      *sessionKeys
	data      *dataKeys
	caps      Capabilities
	start     Start
	authValue []byte

	localRandom  []byte
	localConfirm []byte
	peerConfirm  []byte

	result *Result
	err    error
	done   chan struct{}

	log mesh.Logger
}

func NewProvisioner(cfg Config) (*Session, error) {
	return newSession(RoleProvisioner, cfg)
}

func NewDevice(cfg Config) (*Session, error) {
	if cfg.Capabilities.Elements == 0 {
		return nil, errors.New("device needs at least one element")
	}
	if cfg.Capabilities.Algorithms == 0 {
		cfg.Capabilities.Algorithms = AlgorithmP256
	}
	return newSession(RoleDevice, cfg)
}

func newSession(role Role, cfg Config) (*Session, error) {
	if cfg.Send == nil {
		return nil, errors.New("session needs a send function")
	}
	if cfg.Auth == nil {
		cfg.Auth = NoOOB{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = mesh.DefaultConfig().ProvisioningTimeout
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	k, err := security.GenerateKeys()
	if err != nil {
		return nil, errors.Wrap(err, "generate provisioning keys")
	}

	return &Session{
		role: role,
		cfg:  cfg,
		ecdh: k,
		done: make(chan struct{}),
		log: mesh.LayerLogger("provisioning", mesh.Fields{
			"session": cfg.ID,
			"role":    role.String(),
		}),
	}, nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start arms the session timeout. The provisioner also sends the Invite.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errors.Errorf("session already in state %s", s.state)
	}
	s.timer = s.cfg.Clock.AfterFunc(s.cfg.Timeout, s.expire)
	if s.role == RoleProvisioner {
		s.in.invite = []byte{s.cfg.Attention}
		s.queue(pduInvite, s.in.invite)
		s.setState(StateInvite)
	}
	out := s.takeOutbox()
	s.mu.Unlock()

	return s.flush(out)
}

// Handle processes one received provisioning PDU.
func (s *Session) Handle(pdu []byte) error {
	s.mu.Lock()
	err := s.handle(pdu)
	out := s.takeOutbox()
	s.mu.Unlock()

	if ferr := s.flush(out); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (s *Session) handle(pdu []byte) error {
	if s.state == StateComplete || s.state == StateFailed {
		return errors.Errorf("session is %s", s.state)
	}
	if len(pdu) == 0 {
		return s.fail(ReasonInvalidFormat, "handle", "empty pdu")
	}

	typ, params := pdu[0], pdu[1:]
	d, ok := dispatcher[typ]
	if !ok {
		return s.fail(ReasonInvalidPDU, "handle", fmt.Sprintf("unknown pdu type 0x%02x", typ))
	}
	if typ == pduFailed {
		return d.handler(s, params)
	}

	expect, ok := expected[s.role][s.state]
	if !ok || expect != typ {
		return s.fail(ReasonUnexpectedPDU, d.desc, fmt.Sprintf("%s not expected", d.desc))
	}
	s.log.Debugf("rx %s in state %s", d.desc, s.state)

	if s.timer != nil {
		s.timer.Reset(s.cfg.Timeout)
	}
	return d.handler(s, params)
}

// Done is closed when the session completes or fails.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome of a finished session.
func (s *Session) Result() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Wait blocks until the session finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close abandons the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateComplete && s.state != StateFailed {
		s.finish(nil, errors.Wrap(mesh.ErrClosed, "provisioning session"))
	}
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateComplete || s.state == StateFailed {
		return
	}
	s.log.Warnf("timed out in state %s", s.state)
	s.finish(nil, errors.Wrapf(mesh.ErrTimeout, "provisioning in state %s", s.state))
}

func (s *Session) setState(st State) {
	s.state = st
	s.emit(nil)
}

func (s *Session) emit(err error) {
	if s.cfg.Events == nil {
		return
	}
	ev := mesh.ProvisioningEvent{Session: s.cfg.ID, State: s.state.String(), Err: err}
	select {
	case s.cfg.Events <- ev:
	default:
		s.log.Warnf("event channel full, dropped %s", s.state)
	}
}

func (s *Session) queue(typ byte, params []byte) {
	s.outbox = append(s.outbox, append([]byte{typ}, params...))
}

func (s *Session) takeOutbox() [][]byte {
	out := s.outbox
	s.outbox = nil
	return out
}

// flush sends queued PDUs outside the session lock, so a bearer that
// answers synchronously can call back into Handle.
func (s *Session) flush(out [][]byte) error {
	for _, p := range out {
		if err := s.cfg.Send(p); err != nil {
			s.mu.Lock()
			if s.state != StateComplete && s.state != StateFailed {
				s.finish(nil, errors.Wrap(err, "provisioning send"))
			}
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// fail aborts the session with a protocol error. The device reports the
// reason to its provisioner.
func (s *Session) fail(reason byte, op, msg string) error {
	err := &mesh.ProtocolError{Op: op, State: s.state.String(), Reason: fmt.Sprintf("%s: %s", reasonString(reason), msg)}
	if s.role == RoleDevice {
		s.queue(pduFailed, []byte{reason})
	}
	s.log.Errorf("%v", err)
	s.finish(nil, err)
	return err
}

func (s *Session) finish(r *Result, err error) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.result, s.err = r, err
	if err != nil {
		s.state = StateFailed
		s.emit(err)
	} else {
		s.setState(StateComplete)
	}
	// key material is not retained after the session ends
	s.ecdh, s.secret, s.keys, s.data, s.authValue = nil, nil, nil, nil, nil
	close(s.done)
}
