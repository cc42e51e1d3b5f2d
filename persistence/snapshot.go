package persistence

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
)

// Version is the snapshot format written by MarshalBinary.
const Version = 1

var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR decoder mode: %v", err))
	}
}

type NetKeyRecord struct {
	Index mesh.KeyIndex `cbor:"1,keyasint" json:"index"`
	Key   []byte        `cbor:"2,keyasint" json:"key"`
	// Old is set while a key refresh is in progress.
	Old   []byte     `cbor:"3,keyasint,omitempty" json:"old,omitempty"`
	Phase keys.Phase `cbor:"4,keyasint" json:"phase"`
}

type AppKeyRecord struct {
	Index       mesh.KeyIndex `cbor:"1,keyasint" json:"index"`
	NetKeyIndex mesh.KeyIndex `cbor:"2,keyasint" json:"netKeyIndex"`
	Key         []byte        `cbor:"3,keyasint" json:"key"`
	Old         []byte        `cbor:"4,keyasint,omitempty" json:"old,omitempty"`
}

// SequenceRecord is the reservation mark of one source address. Sending
// resumes at Mark after a restart.
type SequenceRecord struct {
	Address mesh.Address `cbor:"1,keyasint" json:"address"`
	Mark    uint32       `cbor:"2,keyasint" json:"mark"`
}

// Snapshot is the persistent state of one mesh network.
type Snapshot struct {
	Version   int              `cbor:"1,keyasint" json:"version"`
	IVIndex   uint32           `cbor:"2,keyasint" json:"ivIndex"`
	IVUpdate  bool             `cbor:"3,keyasint" json:"ivUpdate"`
	NetKeys   []NetKeyRecord   `cbor:"4,keyasint" json:"netKeys"`
	AppKeys   []AppKeyRecord   `cbor:"5,keyasint" json:"appKeys"`
	Nodes     []mesh.Node      `cbor:"6,keyasint" json:"nodes"`
	Sequences []SequenceRecord `cbor:"7,keyasint" json:"sequences"`
	// Local is the primary address of the node that owns the snapshot.
	Local mesh.Address `cbor:"8,keyasint" json:"local"`
}

// Capture copies the key manager state, the IV index and the sequence
// reservation marks into a snapshot.
func Capture(km *keys.Manager, ivIndex uint32, ivUpdate bool, marks map[mesh.Address]uint32) *Snapshot {
	s := &Snapshot{Version: Version, IVIndex: ivIndex, IVUpdate: ivUpdate}

	for _, nk := range km.NetKeys() {
		r := NetKeyRecord{Index: nk.Index, Key: nk.Current.NetKey, Phase: nk.Phase}
		if nk.Old != nil {
			r.Old = nk.Old.NetKey
		}
		s.NetKeys = append(s.NetKeys, r)
	}
	for _, ak := range km.AppKeys() {
		r := AppKeyRecord{Index: ak.Index, NetKeyIndex: ak.NetKeyIndex, Key: ak.Current.Key}
		if ak.Old != nil {
			r.Old = ak.Old.Key
		}
		s.AppKeys = append(s.AppKeys, r)
	}
	for _, n := range km.Nodes() {
		s.Nodes = append(s.Nodes, *n)
	}
	for addr, mark := range marks {
		s.Sequences = append(s.Sequences, SequenceRecord{Address: addr, Mark: mark})
	}
	sort.Slice(s.Sequences, func(i, j int) bool { return s.Sequences[i].Address < s.Sequences[j].Address })
	return s
}

// Keys rebuilds a key manager, replaying any key refresh in progress.
func (s *Snapshot) Keys() (*keys.Manager, error) {
	km := keys.NewManager()

	for _, r := range s.NetKeys {
		first := r.Key
		if r.Old != nil {
			first = r.Old
		}
		add := km.AddNetKey
		if r.Old == nil && r.Phase == keys.PhaseUsingNewKeys {
			add = km.JoinRefresh
		}
		if err := add(r.Index, first); err != nil {
			return nil, errors.Wrapf(err, "restore netkey %d", r.Index)
		}
		if r.Old != nil {
			if err := km.UpdateNetKey(r.Index, r.Key); err != nil {
				return nil, errors.Wrapf(err, "restore netkey %d", r.Index)
			}
		}
	}

	// old AppKeys can only be replaced while their NetKey distributes
	for _, r := range s.AppKeys {
		first := r.Key
		if r.Old != nil {
			first = r.Old
		}
		if err := km.AddAppKey(r.Index, r.NetKeyIndex, first); err != nil {
			return nil, errors.Wrapf(err, "restore appkey %d", r.Index)
		}
		if r.Old != nil {
			if err := km.UpdateAppKey(r.Index, r.Key); err != nil {
				return nil, errors.Wrapf(err, "restore appkey %d", r.Index)
			}
		}
	}

	for _, r := range s.NetKeys {
		if r.Old != nil && r.Phase == keys.PhaseUsingNewKeys {
			if err := km.SetPhase(r.Index, keys.PhaseUsingNewKeys); err != nil {
				return nil, errors.Wrapf(err, "restore netkey %d", r.Index)
			}
		}
	}

	for i := range s.Nodes {
		n := s.Nodes[i]
		if err := km.AddNode(&n); err != nil {
			return nil, errors.Wrapf(err, "restore node %s", n.Address)
		}
	}
	return km, nil
}

// Marks returns the sequence reservation marks by source address.
func (s *Snapshot) Marks() map[mesh.Address]uint32 {
	out := make(map[mesh.Address]uint32, len(s.Sequences))
	for _, r := range s.Sequences {
		out[r.Address] = r.Mark
	}
	return out
}

// SetMark records a new reservation mark for a source address.
func (s *Snapshot) SetMark(addr mesh.Address, mark uint32) {
	for i := range s.Sequences {
		if s.Sequences[i].Address == addr {
			if mark > s.Sequences[i].Mark {
				s.Sequences[i].Mark = mark
			}
			return
		}
	}
	s.Sequences = append(s.Sequences, SequenceRecord{Address: addr, Mark: mark})
	sort.Slice(s.Sequences, func(i, j int) bool { return s.Sequences[i].Address < s.Sequences[j].Address })
}

// wire has the fields of Snapshot without its marshalling methods.
type wire Snapshot

func (s *Snapshot) MarshalBinary() ([]byte, error) {
	v := wire(*s)
	v.Version = Version
	return encMode.Marshal(&v)
}

func (s *Snapshot) UnmarshalBinary(b []byte) error {
	var v wire
	if err := decMode.Unmarshal(b, &v); err != nil {
		return errors.Wrap(err, "decode snapshot")
	}
	if v.Version != Version {
		return errors.Wrapf(ErrUnsupportedVersion, "version %d", v.Version)
	}
	*s = Snapshot(v)
	return nil
}
