// Package upper encrypts and decrypts access payloads with application
// and device keys.
package upper

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/security"
	"github.com/rigado/mesh/transport"
)

// TransMIC sizes
const (
	MICSize     = 4
	LongMICSize = 8
)

func micSize(szmic bool) int {
	if szmic {
		return LongMICSize
	}
	return MICSize
}

// VirtualAddress hashes a label UUID.
func VirtualAddress(label uuid.UUID) mesh.Address {
	v, _ := security.VirtualAddress(label[:])
	return mesh.Address(v)
}

// Nonce parameters shared by seal and open.
type Nonce struct {
	Src     mesh.Address
	Dst     mesh.Address
	SeqAuth uint32
	IVIndex uint32
	SZMIC   bool
}

func (n Nonce) app() []byte {
	return security.ApplicationNonce(n.SZMIC, n.SeqAuth, uint16(n.Src), uint16(n.Dst), n.IVIndex)
}

func (n Nonce) dev() []byte {
	return security.DeviceNonce(n.SZMIC, n.SeqAuth, uint16(n.Src), uint16(n.Dst), n.IVIndex)
}

func aad(label *uuid.UUID) []byte {
	if label == nil {
		return nil
	}
	return label[:]
}

// SealApp encrypts an access payload with an application key. label is
// required for virtual destinations.
func SealApp(key []byte, n Nonce, label *uuid.UUID, access []byte) ([]byte, error) {
	return security.Encrypt(key, n.app(), access, aad(label), micSize(n.SZMIC))
}

func OpenApp(key []byte, n Nonce, label *uuid.UUID, sealed []byte) ([]byte, error) {
	return security.Decrypt(key, n.app(), sealed, aad(label), micSize(n.SZMIC))
}

// SealDevice encrypts an access payload with a device key.
func SealDevice(devKey []byte, n Nonce, access []byte) ([]byte, error) {
	return security.Encrypt(devKey, n.dev(), access, nil, micSize(n.SZMIC))
}

func OpenDevice(devKey []byte, n Nonce, sealed []byte) ([]byte, error) {
	return security.Decrypt(devKey, n.dev(), sealed, nil, micSize(n.SZMIC))
}

// Outgoing is an access payload to encrypt.
type Outgoing struct {
	NetKeyIndex mesh.KeyIndex
	Src         mesh.Address
	Dst         mesh.Address
	// Label is the full virtual address. Dst is derived from it when set.
	Label *uuid.UUID
	// AppKeyIndex selects the application key; nil selects the device key.
	AppKeyIndex *mesh.KeyIndex
	SeqAuth     uint32
	IVIndex     uint32
	SZMIC       bool
	Payload     []byte
}

// Access is a decrypted access payload.
type Access struct {
	Src         mesh.Address
	Dst         mesh.Address
	Label       *uuid.UUID
	NetKeyIndex mesh.KeyIndex
	AppKeyIndex *mesh.KeyIndex
	TTL         uint8
	Payload     []byte
}

// Layer picks keys from the key manager. labels returns the subscribed
// label UUIDs that hash to a virtual address.
type Layer struct {
	keys   *keys.Manager
	labels func(mesh.Address) []uuid.UUID
	log    mesh.Logger
}

func NewLayer(km *keys.Manager, labels func(mesh.Address) []uuid.UUID) *Layer {
	if labels == nil {
		labels = func(mesh.Address) []uuid.UUID { return nil }
	}
	return &Layer{keys: km, labels: labels, log: mesh.LayerLogger("upper")}
}

// Encrypt seals o and returns the lower transport metadata with the upper
// transport PDU.
func (l *Layer) Encrypt(o *Outgoing) (transport.Meta, []byte, error) {
	var meta transport.Meta
	if len(o.Payload) == 0 {
		return meta, nil, errors.Wrap(mesh.ErrMalformedPDU, "empty access payload")
	}
	if len(o.Payload)+micSize(o.SZMIC) > transport.MaxAccessPDU {
		return meta, nil, errors.Wrapf(mesh.ErrPayloadTooLarge, "access payload %d", len(o.Payload))
	}

	dst := o.Dst
	if o.Label != nil {
		dst = VirtualAddress(*o.Label)
		if o.Dst != mesh.UnassignedAddress && o.Dst != dst {
			return meta, nil, errors.Errorf("label hashes to %s, not %s", dst, o.Dst)
		}
	}
	n := Nonce{Src: o.Src, Dst: dst, SeqAuth: o.SeqAuth, IVIndex: o.IVIndex, SZMIC: o.SZMIC}

	if o.AppKeyIndex != nil {
		ak, netIdx, err := l.keys.AppTx(*o.AppKeyIndex)
		if err != nil {
			return meta, nil, err
		}
		if netIdx != o.NetKeyIndex {
			return meta, nil, errors.Errorf("appkey %d is bound to netkey %d", *o.AppKeyIndex, netIdx)
		}
		sealed, err := SealApp(ak.Key, n, o.Label, o.Payload)
		if err != nil {
			return meta, nil, err
		}
		return transport.Meta{AKF: true, AID: ak.AID}, sealed, nil
	}

	if !dst.IsUnicast() {
		return meta, nil, errors.Errorf("device key message to non-unicast %s", dst)
	}
	devKey, err := l.keys.DeviceKey(dst)
	if err != nil {
		// a node answering its provisioner uses its own device key
		if devKey, err = l.keys.DeviceKey(o.Src); err != nil {
			return meta, nil, errors.Wrapf(err, "no device key for %s or %s", dst, o.Src)
		}
	}
	sealed, err := SealDevice(devKey, n, o.Payload)
	if err != nil {
		return meta, nil, err
	}
	return transport.Meta{}, sealed, nil
}

// Decrypt opens an incoming upper transport PDU. A nil result means no
// candidate key authenticated it and the PDU must be dropped.
func (l *Layer) Decrypt(in *transport.Incoming) *Access {
	if in.Control {
		return nil
	}
	n := Nonce{Src: in.Src, Dst: in.Dst, SeqAuth: in.SeqAuth, IVIndex: in.IVIndex, SZMIC: in.SZMIC}
	out := &Access{Src: in.Src, Dst: in.Dst, NetKeyIndex: in.NetKeyIndex, TTL: in.TTL}

	if in.AKF {
		labels := []*uuid.UUID{nil}
		if in.Dst.IsVirtual() {
			labels = labels[:0]
			for _, lb := range l.labels(in.Dst) {
				lb := lb
				labels = append(labels, &lb)
			}
		}

		for _, c := range l.keys.AppCandidates(in.NetKeyIndex, in.AID) {
			for _, lb := range labels {
				plain, err := OpenApp(c.Key.Key, n, lb, in.Payload)
				if err != nil {
					continue
				}
				idx := c.Index
				out.AppKeyIndex, out.Label, out.Payload = &idx, lb, plain
				return out
			}
		}
		l.log.Debugf("drop from %s: no appkey (aid %02x) authenticates", in.Src, in.AID)
		return nil
	}

	if !in.Dst.IsUnicast() {
		return nil
	}
	for _, addr := range []mesh.Address{in.Dst, in.Src} {
		devKey, err := l.keys.DeviceKey(addr)
		if err != nil {
			continue
		}
		if plain, err := OpenDevice(devKey, n, in.Payload); err == nil {
			out.Payload = plain
			return out
		}
	}
	l.log.Debugf("drop from %s: no device key authenticates", in.Src)
	return nil
}
