package keys

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/security"
)

// Phase is the key refresh phase of a NetKey.
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseDistributing
	PhaseUsingNewKeys
)

var phaseStrings = map[Phase]string{
	PhaseNormal:       "normal",
	PhaseDistributing: "distributing",
	PhaseUsingNewKeys: "using-new-keys",
}

func (p Phase) String() string {
	if s, ok := phaseStrings[p]; ok {
		return s
	}
	return "unknown"
}

// NetworkKeys is the material derived from one NetKey.
type NetworkKeys struct {
	NetKey        []byte
	NID           byte
	EncryptionKey []byte
	PrivacyKey    []byte
	NetworkID     []byte
	BeaconKey     []byte
	IdentityKey   []byte
}

// DeriveNetworkKeys runs k2, k3 and the beacon/identity k1 derivations.
func DeriveNetworkKeys(netKey []byte) (*NetworkKeys, error) {
	m, err := security.K2(netKey, []byte{0x00})
	if err != nil {
		return nil, err
	}
	id, err := security.K3(netKey)
	if err != nil {
		return nil, err
	}
	bk, err := security.BeaconKey(netKey)
	if err != nil {
		return nil, err
	}
	ik, err := security.IdentityKey(netKey)
	if err != nil {
		return nil, err
	}

	return &NetworkKeys{
		NetKey:        append([]byte{}, netKey...),
		NID:           m.NID,
		EncryptionKey: m.EncryptionKey,
		PrivacyKey:    m.PrivacyKey,
		NetworkID:     id,
		BeaconKey:     bk,
		IdentityKey:   ik,
	}, nil
}

// NetKey is one subnet key. During a key refresh Old holds the material
// being replaced.
type NetKey struct {
	Index mesh.KeyIndex
	Phase Phase

	Current *NetworkKeys
	Old     *NetworkKeys
}

func newNetKey(idx mesh.KeyIndex, key []byte) (*NetKey, error) {
	if !idx.Valid() {
		return nil, errors.Errorf("netkey index %d out of range", idx)
	}
	if len(key) != security.KeySize {
		return nil, errors.Errorf("netkey length %d", len(key))
	}
	nk, err := DeriveNetworkKeys(key)
	if err != nil {
		return nil, err
	}
	return &NetKey{Index: idx, Phase: PhaseNormal, Current: nk}, nil
}

// Tx is the material used to encrypt outgoing PDUs.
func (k *NetKey) Tx() *NetworkKeys {
	if k.Phase == PhaseDistributing && k.Old != nil {
		return k.Old
	}
	return k.Current
}

// Rx lists every material that may authenticate an incoming PDU.
func (k *NetKey) Rx() []*NetworkKeys {
	if k.Old != nil {
		return []*NetworkKeys{k.Current, k.Old}
	}
	return []*NetworkKeys{k.Current}
}

func (k *NetKey) clone() *NetKey {
	c := *k
	return &c
}

// refresh moves Normal -> Distributing with a new key.
func (k *NetKey) refresh(newKey []byte) error {
	if k.Phase != PhaseNormal {
		return errors.Wrapf(mesh.ErrInvalidKeyRefreshTransition,
			"netkey %d: update in phase %s", k.Index, k.Phase)
	}
	if bytes.Equal(newKey, k.Current.NetKey) {
		return errors.Errorf("netkey %d: new key equals current key", k.Index)
	}
	nk, err := DeriveNetworkKeys(newKey)
	if err != nil {
		return err
	}
	k.Old = k.Current
	k.Current = nk
	k.Phase = PhaseDistributing
	return nil
}

// transition applies the Distributing -> UsingNewKeys -> Normal steps.
func (k *NetKey) transition(to Phase) error {
	switch {
	case k.Phase == PhaseDistributing && to == PhaseUsingNewKeys:
	case k.Phase == PhaseUsingNewKeys && to == PhaseNormal:
		k.Old = nil
	default:
		return errors.Wrapf(mesh.ErrInvalidKeyRefreshTransition,
			"netkey %d: %s -> %s", k.Index, k.Phase, to)
	}
	k.Phase = to
	return nil
}
