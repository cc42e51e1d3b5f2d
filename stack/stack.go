package stack

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/access"
	"github.com/rigado/mesh/adv"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/network"
	"github.com/rigado/mesh/persistence"
	"github.com/rigado/mesh/provisioning"
	"github.com/rigado/mesh/transport"
	"github.com/rigado/mesh/upper"
	"go.uber.org/multierr"
)

const defaultEventBuffer = 64

// tagged wraps every PDU sent through it in an advertising data structure
// of its type.
type tagged struct {
	mesh.Bearer
	typ byte
}

func (t tagged) Send(pdu []byte) error {
	b, err := adv.Append(make([]byte, 0, len(pdu)+2), t.typ, pdu)
	if err != nil {
		return errors.Wrap(mesh.ErrPayloadTooLarge, err.Error())
	}
	return t.Bearer.Send(b)
}

// Stack is one mesh node: the network, transport and access layers bound to
// a bearer and a key manager.
type Stack struct {
	cfg    mesh.Config
	keys   *keys.Manager
	bearer mesh.Bearer

	net     *network.Layer
	lower   *transport.Layer
	upper   *upper.Layer
	pending *access.Pending

	mu     sync.RWMutex
	local  mesh.Address
	groups map[mesh.Address]bool
	labels map[mesh.Address][]uuid.UUID

	composition Composition

	store     persistence.Store
	networkID string
	saveMu    sync.Mutex

	provMu   sync.Mutex
	sessions map[uint32]*provisioning.Session
	device   *provisioning.Config
	provEvts chan mesh.Event

	evMu     sync.RWMutex
	events   chan mesh.Event
	evBuffer int
	closed   bool

	done      chan struct{}
	closeOnce sync.Once

	log mesh.Logger
}

// An Option configures a Stack.
type Option func(*Stack) error

// OptLocal sets the primary element address of the local node. The node
// should be registered in the key manager.
func OptLocal(addr mesh.Address) Option {
	return func(s *Stack) error {
		if !addr.IsUnicast() && !addr.IsUnassigned() {
			return errors.Errorf("local address %s is not unicast", addr)
		}
		s.local = addr
		return nil
	}
}

// OptStore persists a snapshot under networkID whenever a sequence
// reservation, the IV index or the provisioned state changes.
func OptStore(st persistence.Store, networkID string) Option {
	return func(s *Stack) error {
		if networkID == "" {
			return errors.New("empty network id")
		}
		s.store, s.networkID = st, networkID
		return nil
	}
}

// OptEventBuffer sets the capacity of the event channel.
func OptEventBuffer(n int) Option {
	return func(s *Stack) error {
		if n < 1 {
			return errors.Errorf("event buffer %d", n)
		}
		s.evBuffer = n
		return nil
	}
}

// New builds a stack on b. The stack owns b and closes it on Close.
func New(b mesh.Bearer, km *keys.Manager, cfg mesh.Config, opts ...Option) (*Stack, error) {
	s, err := newStack(b, km, cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

// Restore builds a stack from a snapshot. Sequence numbers resume at the
// persisted reservation marks.
func Restore(b mesh.Bearer, snap *persistence.Snapshot, cfg mesh.Config, opts ...Option) (*Stack, error) {
	km, err := snap.Keys()
	if err != nil {
		return nil, err
	}
	s, err := newStack(b, km, cfg, append([]Option{OptLocal(snap.Local)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := s.net.SetIVIndex(snap.IVIndex, snap.IVUpdate); err != nil {
		return nil, errors.Wrap(err, "restore iv index")
	}
	for addr, mark := range snap.Marks() {
		s.net.Sequences().Resume(addr, mark)
	}
	s.log.Infof("restored %s at iv index %d", snap.Local, snap.IVIndex)
	s.start()
	return s, nil
}

// Open restores the snapshot stored under networkID and keeps persisting
// to the same store.
func Open(b mesh.Bearer, st persistence.Store, networkID string, cfg mesh.Config, opts ...Option) (*Stack, error) {
	snap, err := st.Load(networkID)
	if err != nil {
		return nil, err
	}
	return Restore(b, snap, cfg, append(opts, OptStore(st, networkID))...)
}

func newStack(b mesh.Bearer, km *keys.Manager, cfg mesh.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if km == nil {
		km = keys.NewManager()
	}

	s := &Stack{
		cfg:      cfg,
		keys:     km,
		bearer:   b,
		groups:   map[mesh.Address]bool{},
		labels:   map[mesh.Address][]uuid.UUID{},
		sessions: map[uint32]*provisioning.Session{},
		provEvts: make(chan mesh.Event, defaultEventBuffer),
		evBuffer: defaultEventBuffer,
		done:     make(chan struct{}),
		log:      mesh.LayerLogger("stack"),
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.events = make(chan mesh.Event, s.evBuffer)

	var err error
	s.net, err = network.NewLayer(km, tagged{b, adv.Types.MeshMessage}, cfg, s.onReserve)
	if err != nil {
		return nil, err
	}
	s.lower = transport.NewLayer(s.net, cfg, s.deliver)
	s.upper = upper.NewLayer(km, s.labelsFor)
	s.pending = access.NewPending(cfg.Clock, cfg.AckedMessageTimeout)
	return s, nil
}

func (s *Stack) start() {
	go s.forwardProvisioningEvents()
	s.bearer.SetReceiver(s.receive)
}

// Events delivers received messages, failed sends, provisioning progress
// and IV index changes. It is closed by Close.
func (s *Stack) Events() <-chan mesh.Event { return s.events }

func (s *Stack) Keys() *keys.Manager { return s.keys }

// Stats returns the network layer counters.
func (s *Stack) Stats() network.Stats { return s.net.Stats() }

// Local is the primary address of this node, unassigned before
// provisioning.
func (s *Stack) Local() mesh.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

func (s *Stack) setLocal(addr mesh.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = addr
}

// NetworkID is the hex network ID of NetKey 0, the key a store entry is
// usually filed under.
func (s *Stack) NetworkID() (string, error) {
	return NetworkID(s.keys)
}

func NetworkID(km *keys.Manager) (string, error) {
	nk, err := km.NetKey(0)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(nk.Tx().NetworkID), nil
}

// IVIndex returns the IV index and whether an IV update is in progress.
func (s *Stack) IVIndex() (uint32, bool) { return s.net.IVIndex() }

// SetIVIndex moves the IV index state forward.
func (s *Stack) SetIVIndex(index uint32, updating bool) error {
	if err := s.net.SetIVIndex(index, updating); err != nil {
		return err
	}
	s.emit(mesh.IVUpdateEvent{Index: index, Updating: updating})
	s.persist("iv index")
	return nil
}

// Subscribe adds a group address the local node receives.
func (s *Stack) Subscribe(group mesh.Address) error {
	if !group.IsGroup() {
		return errors.Errorf("%s is not a group address", group)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = true
	return nil
}

// SubscribeVirtual adds a label UUID the local node receives and returns
// its virtual address.
func (s *Stack) SubscribeVirtual(label uuid.UUID) mesh.Address {
	addr := upper.VirtualAddress(label)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.labels[addr] {
		if l == label {
			return addr
		}
	}
	s.labels[addr] = append(s.labels[addr], label)
	return addr
}

func (s *Stack) Unsubscribe(addr mesh.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, addr)
	delete(s.labels, addr)
}

// labelsFor lists the subscribed labels of a virtual address, from the
// stack and from the models of the local node.
func (s *Stack) labelsFor(addr mesh.Address) []uuid.UUID {
	s.mu.RLock()
	out := append([]uuid.UUID{}, s.labels[addr]...)
	local := s.local
	s.mu.RUnlock()

	if n, err := s.keys.Node(local); err == nil {
		for _, l := range n.LabelsFor(addr, upper.VirtualAddress) {
			if !containsLabel(out, l) {
				out = append(out, l)
			}
		}
	}
	return out
}

func containsLabel(ls []uuid.UUID, l uuid.UUID) bool {
	for _, v := range ls {
		if v == l {
			return true
		}
	}
	return false
}

// Snapshot captures the persistent state of the node.
func (s *Stack) Snapshot() *persistence.Snapshot {
	index, updating := s.net.IVIndex()
	snap := persistence.Capture(s.keys, index, updating, s.net.Sequences().Marks())
	snap.Local = s.Local()
	return snap
}

func (s *Stack) save() error {
	if s.store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.store.Save(s.networkID, s.Snapshot())
}

func (s *Stack) persist(what string) {
	if err := s.save(); err != nil {
		s.log.Errorf("persist %s: %v", what, err)
	}
}

// onReserve runs before any sequence number below mark is used.
func (s *Stack) onReserve(src mesh.Address, mark uint32) {
	s.log.Debugf("sequence mark %d for %s", mark, src)
	s.persist("sequence mark")
}

func (s *Stack) emit(ev mesh.Event) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("event channel full, dropped %T", ev)
	}
}

// Close stops every session and timer, saves a final snapshot and closes
// the bearer and the event channel.
func (s *Stack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.provMu.Lock()
		sessions := make([]*provisioning.Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.provMu.Unlock()
		for _, sess := range sessions {
			sess.Close()
		}

		s.pending.Close()
		s.lower.Close()

		err = multierr.Append(err, s.save())
		err = multierr.Append(err, s.bearer.Close())

		s.evMu.Lock()
		s.closed = true
		close(s.events)
		s.evMu.Unlock()
	})
	return err
}
