package keys

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
)

// NetworkCandidate pairs derived network material with its NetKey index.
type NetworkCandidate struct {
	Index mesh.KeyIndex
	Keys  *NetworkKeys
}

// AppCandidate pairs application key material with its AppKey index.
type AppCandidate struct {
	Index       mesh.KeyIndex
	NetKeyIndex mesh.KeyIndex
	Key         *ApplicationKey
}

// Manager stores the key set of one mesh network and its node registry.
// Keys change only through Add/Update/SetPhase; callers get copies.
type Manager struct {
	mu      sync.RWMutex
	netKeys map[mesh.KeyIndex]*NetKey
	appKeys map[mesh.KeyIndex]*AppKey
	nodes   map[mesh.Address]*mesh.Node

	log mesh.Logger
}

func NewManager() *Manager {
	return &Manager{
		netKeys: map[mesh.KeyIndex]*NetKey{},
		appKeys: map[mesh.KeyIndex]*AppKey{},
		nodes:   map[mesh.Address]*mesh.Node{},
		log:     mesh.LayerLogger("keys"),
	}
}

func (m *Manager) AddNetKey(idx mesh.KeyIndex, key []byte) error {
	nk, err := newNetKey(idx, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.netKeys[idx]; ok {
		return errors.Errorf("netkey %d already exists", idx)
	}
	m.netKeys[idx] = nk
	m.log.Infof("added netkey %d nid %02x", idx, nk.Current.NID)
	return nil
}

// JoinRefresh adds a NetKey received while its key refresh was already in
// progress. Only the new key is known, so the key starts in
// PhaseUsingNewKeys without old material.
func (m *Manager) JoinRefresh(idx mesh.KeyIndex, key []byte) error {
	nk, err := newNetKey(idx, key)
	if err != nil {
		return err
	}
	nk.Phase = PhaseUsingNewKeys

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.netKeys[idx]; ok {
		return errors.Errorf("netkey %d already exists", idx)
	}
	m.netKeys[idx] = nk
	m.log.Infof("added netkey %d nid %02x in phase %s", idx, nk.Current.NID, nk.Phase)
	return nil
}

func (m *Manager) NetKey(idx mesh.KeyIndex) (*NetKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nk, ok := m.netKeys[idx]
	if !ok {
		return nil, errors.Wrapf(mesh.ErrUnknownNetKey, "netkey %d", idx)
	}
	return nk.clone(), nil
}

// NetKeys returns all NetKeys ordered by index.
func (m *Manager) NetKeys() []*NetKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NetKey, 0, len(m.netKeys))
	for _, k := range m.netKeys {
		out = append(out, k.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// UpdateNetKey starts a key refresh: Normal -> Distributing.
func (m *Manager) UpdateNetKey(idx mesh.KeyIndex, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nk, ok := m.netKeys[idx]
	if !ok {
		return errors.Wrapf(mesh.ErrUnknownNetKey, "netkey %d", idx)
	}
	next := nk.clone()
	if err := next.refresh(key); err != nil {
		return err
	}
	m.netKeys[idx] = next
	m.log.Infof("netkey %d refresh started, new nid %02x", idx, next.Current.NID)
	return nil
}

// SetPhase advances the key refresh of a NetKey. Moving back to Normal
// revokes the old NetKey and the old AppKeys bound to it.
func (m *Manager) SetPhase(idx mesh.KeyIndex, to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nk, ok := m.netKeys[idx]
	if !ok {
		return errors.Wrapf(mesh.ErrUnknownNetKey, "netkey %d", idx)
	}
	next := nk.clone()
	if err := next.transition(to); err != nil {
		return err
	}
	m.netKeys[idx] = next

	if to == PhaseNormal {
		for ai, ak := range m.appKeys {
			if ak.NetKeyIndex == idx && ak.Old != nil {
				c := ak.clone()
				c.Old = nil
				m.appKeys[ai] = c
			}
		}
	}
	m.log.Infof("netkey %d phase %s", idx, to)
	return nil
}

func (m *Manager) Phase(idx mesh.KeyIndex) (Phase, error) {
	nk, err := m.NetKey(idx)
	if err != nil {
		return PhaseNormal, err
	}
	return nk.Phase, nil
}

// TxNetwork returns the material used to encrypt on a subnet.
func (m *Manager) TxNetwork(idx mesh.KeyIndex) (*NetworkKeys, error) {
	nk, err := m.NetKey(idx)
	if err != nil {
		return nil, err
	}
	return nk.Tx(), nil
}

// RxNetwork returns every material whose NID matches, old keys included.
func (m *Manager) RxNetwork(nid byte) []NetworkCandidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NetworkCandidate
	for idx, nk := range m.netKeys {
		for _, k := range nk.Rx() {
			if k.NID == nid {
				out = append(out, NetworkCandidate{Index: idx, Keys: k})
			}
		}
	}
	return out
}

// AddAppKey adds an AppKey bound to an existing NetKey.
func (m *Manager) AddAppKey(idx, netIdx mesh.KeyIndex, key []byte) error {
	if !idx.Valid() {
		return errors.Errorf("appkey index %d out of range", idx)
	}
	ak, err := DeriveApplicationKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.netKeys[netIdx]; !ok {
		return errors.Wrapf(mesh.ErrUnknownNetKey, "appkey %d bound to netkey %d", idx, netIdx)
	}
	if _, ok := m.appKeys[idx]; ok {
		return errors.Errorf("appkey %d already exists", idx)
	}
	m.appKeys[idx] = &AppKey{Index: idx, NetKeyIndex: netIdx, Current: ak}
	m.log.Infof("added appkey %d aid %02x bound to netkey %d", idx, ak.AID, netIdx)
	return nil
}

// UpdateAppKey replaces an AppKey during the Distributing phase of its
// bound NetKey.
func (m *Manager) UpdateAppKey(idx mesh.KeyIndex, key []byte) error {
	ak, err := DeriveApplicationKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appKeys[idx]
	if !ok {
		return errors.Wrapf(mesh.ErrUnknownAppKey, "appkey %d", idx)
	}
	nk, ok := m.netKeys[cur.NetKeyIndex]
	if !ok {
		return errors.Wrapf(mesh.ErrUnknownNetKey, "appkey %d bound to netkey %d", idx, cur.NetKeyIndex)
	}
	if nk.Phase != PhaseDistributing {
		return errors.Wrapf(mesh.ErrInvalidKeyRefreshTransition,
			"appkey %d: update while netkey %d in phase %s", idx, nk.Index, nk.Phase)
	}
	next := cur.clone()
	if next.Old == nil {
		next.Old = next.Current
	}
	next.Current = ak
	m.appKeys[idx] = next
	return nil
}

func (m *Manager) AppKey(idx mesh.KeyIndex) (*AppKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ak, ok := m.appKeys[idx]
	if !ok {
		return nil, errors.Wrapf(mesh.ErrUnknownAppKey, "appkey %d", idx)
	}
	return ak.clone(), nil
}

func (m *Manager) AppKeys() []*AppKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AppKey, 0, len(m.appKeys))
	for _, k := range m.appKeys {
		out = append(out, k.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AppTx returns the AppKey material to encrypt with and the NetKey it is
// bound to.
func (m *Manager) AppTx(idx mesh.KeyIndex) (*ApplicationKey, mesh.KeyIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ak, ok := m.appKeys[idx]
	if !ok {
		return nil, 0, errors.Wrapf(mesh.ErrUnknownAppKey, "appkey %d", idx)
	}
	nk, ok := m.netKeys[ak.NetKeyIndex]
	if !ok {
		return nil, 0, errors.Wrapf(mesh.ErrUnknownNetKey, "appkey %d has no valid netkey binding", idx)
	}
	if nk.Phase == PhaseDistributing && ak.Old != nil {
		return ak.Old, ak.NetKeyIndex, nil
	}
	return ak.Current, ak.NetKeyIndex, nil
}

// AppCandidates lists every AppKey material with the given AID that is
// bound to netIdx.
func (m *Manager) AppCandidates(netIdx mesh.KeyIndex, aid byte) []AppCandidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AppCandidate
	for idx, ak := range m.appKeys {
		if ak.NetKeyIndex != netIdx {
			continue
		}
		for _, k := range ak.Candidates(aid) {
			out = append(out, AppCandidate{Index: idx, NetKeyIndex: ak.NetKeyIndex, Key: k})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AddNode registers a provisioned node. Unicast ranges must not overlap.
func (m *Manager) AddNode(n *mesh.Node) error {
	if n == nil || !n.Address.IsUnicast() || !n.LastAddress().IsUnicast() {
		return errors.New("node needs a unicast address range")
	}
	if len(n.DeviceKey) != 16 {
		return errors.Errorf("node %s: device key length %d", n.Address, len(n.DeviceKey))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.nodes {
		if o.Overlaps(n) {
			return errors.Wrapf(mesh.ErrAddressInUse, "node %s overlaps node %s", n.Address, o.Address)
		}
	}

	c := *n
	c.DeviceKey = append([]byte{}, n.DeviceKey...)
	m.nodes[n.Address] = &c
	m.log.Infof("added node %s (%d elements)", n.Address, n.ElementCount())
	return nil
}

// Node resolves any element address to its node.
func (m *Manager) Node(addr mesh.Address) (*mesh.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[addr]; ok {
		c := *n
		return &c, nil
	}
	for _, n := range m.nodes {
		if n.Owns(addr) {
			c := *n
			return &c, nil
		}
	}
	return nil, errors.Wrapf(mesh.ErrUnknownNode, "address %s", addr)
}

func (m *Manager) Nodes() []*mesh.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*mesh.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// UpdateNode replaces the element list and key bindings of a node. The
// address and device key never change.
func (m *Manager) UpdateNode(n *mesh.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.nodes[n.Address]
	if !ok {
		return errors.Wrapf(mesh.ErrUnknownNode, "address %s", n.Address)
	}
	c := *n
	c.DeviceKey = cur.DeviceKey
	for _, o := range m.nodes {
		if o.Address != n.Address && o.Overlaps(&c) {
			return errors.Wrapf(mesh.ErrAddressInUse, "node %s overlaps node %s", n.Address, o.Address)
		}
	}
	m.nodes[n.Address] = &c
	return nil
}

// RemoveNode deletes a node; this is the only removal path.
func (m *Manager) RemoveNode(addr mesh.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[addr]; !ok {
		return errors.Wrapf(mesh.ErrUnknownNode, "address %s", addr)
	}
	delete(m.nodes, addr)
	m.log.Infof("removed node %s", addr)
	return nil
}

// Reset drops every key and node, leaving the manager as NewManager
// returns it.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netKeys = map[mesh.KeyIndex]*NetKey{}
	m.appKeys = map[mesh.KeyIndex]*AppKey{}
	m.nodes = map[mesh.Address]*mesh.Node{}
	m.log.Info("key set cleared")
}

// DeviceKey returns the device key of the node owning addr.
func (m *Manager) DeviceKey(addr mesh.Address) ([]byte, error) {
	n, err := m.Node(addr)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, n.DeviceKey...), nil
}

// NextUnicast returns the lowest address where a node with the given
// element count fits.
func (m *Manager) NextUnicast(elements int) (mesh.Address, error) {
	if elements < 1 {
		elements = 1
	}
	cand := &mesh.Node{Address: 0x0001, Elements: make([]mesh.Element, elements)}
	for _, n := range m.Nodes() {
		if cand.Overlaps(n) {
			cand.Address = n.LastAddress() + 1
		}
	}
	if !cand.LastAddress().IsUnicast() || cand.LastAddress() < cand.Address {
		return 0, errors.New("unicast address space exhausted")
	}
	return cand.Address, nil
}
