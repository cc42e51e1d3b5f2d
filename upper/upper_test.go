package upper

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/transport"
	"github.com/stretchr/testify/require"
)

func h(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func newManager(t *testing.T) *keys.Manager {
	t.Helper()
	km := keys.NewManager()
	require.NoError(t, km.AddNetKey(0, h(t, "7dd7364cd842ad18c17c2b820c84c3d6")))
	require.NoError(t, km.AddAppKey(0, 0, h(t, "63964771734fbd76e3b40519d1d94a48")))
	return km
}

func incoming(meta transport.Meta, o *Outgoing, dst mesh.Address, sealed []byte) *transport.Incoming {
	return &transport.Incoming{
		Meta:    meta,
		Src:     o.Src,
		Dst:     dst,
		SeqAuth: o.SeqAuth,
		IVIndex: o.IVIndex,
		SZMIC:   o.SZMIC,
		Payload: sealed,
	}
}

// collidingLabels returns three labels with the same virtual address.
func collidingLabels(t *testing.T) []uuid.UUID {
	t.Helper()
	buckets := map[mesh.Address][]uuid.UUID{}
	var u uuid.UUID
	copy(u[:], h(t, "f4a002c7fb1e4ca0a469a021de0db875"))
	for i := uint32(0); i < 1<<20; i++ {
		binary.BigEndian.PutUint32(u[12:], i)
		va := VirtualAddress(u)
		buckets[va] = append(buckets[va], u)
		if len(buckets[va]) == 3 {
			return buckets[va]
		}
	}
	t.Fatal("no colliding labels")
	return nil
}

func TestVirtualAddressSample(t *testing.T) {
	var label uuid.UUID
	copy(label[:], h(t, "f4a002c7fb1e4ca0a469a021de0db875"))
	require.Equal(t, mesh.Address(0x9736), VirtualAddress(label))
}

func TestAppKeyRoundTrip(t *testing.T) {
	km := newManager(t)
	l := NewLayer(km, nil)

	idx := mesh.KeyIndex(0)
	for _, szmic := range []bool{false, true} {
		o := &Outgoing{Src: 0x0003, Dst: 0x1201, AppKeyIndex: &idx, SeqAuth: 0x07080B, IVIndex: 0x12345677, SZMIC: szmic, Payload: h(t, "8202010a")}
		meta, sealed, err := l.Encrypt(o)
		require.NoError(t, err)
		require.True(t, meta.AKF)
		require.Equal(t, byte(0x26), meta.AID)
		require.Len(t, sealed, 4+micSize(szmic))

		a := l.Decrypt(incoming(meta, o, o.Dst, sealed))
		require.NotNil(t, a)
		require.Equal(t, o.Payload, a.Payload)
		require.Equal(t, idx, *a.AppKeyIndex)
		require.Nil(t, a.Label)

		// any change to the nonce inputs breaks the TransMIC
		in := incoming(meta, o, o.Dst, sealed)
		in.SeqAuth++
		require.Nil(t, l.Decrypt(in))
	}
}

func TestDeviceKeyBothDirections(t *testing.T) {
	devKey := h(t, "9d6dd0e96eb25dc19a40ed9914f8f03f")
	provisioner := newManager(t)
	require.NoError(t, provisioner.AddNode(&mesh.Node{Address: 0x0001, DeviceKey: h(t, "00112233445566778899aabbccddeeff"), Elements: make([]mesh.Element, 1)}))
	require.NoError(t, provisioner.AddNode(&mesh.Node{Address: 0x1201, DeviceKey: devKey, Elements: make([]mesh.Element, 1)}))
	device := newManager(t)
	require.NoError(t, device.AddNode(&mesh.Node{Address: 0x1201, DeviceKey: devKey, Elements: make([]mesh.Element, 1)}))

	pl, dl := NewLayer(provisioner, nil), NewLayer(device, nil)

	get := &Outgoing{Src: 0x0001, Dst: 0x1201, SeqAuth: 1, Payload: h(t, "800800")}
	meta, sealed, err := pl.Encrypt(get)
	require.NoError(t, err)
	require.False(t, meta.AKF)
	a := dl.Decrypt(incoming(meta, get, get.Dst, sealed))
	require.NotNil(t, a)
	require.Nil(t, a.AppKeyIndex)
	require.Equal(t, get.Payload, a.Payload)

	status := &Outgoing{Src: 0x1201, Dst: 0x0001, SeqAuth: 1, Payload: h(t, "02000059")}
	meta, sealed, err = dl.Encrypt(status)
	require.NoError(t, err)
	a = pl.Decrypt(incoming(meta, status, status.Dst, sealed))
	require.NotNil(t, a)
	require.Equal(t, status.Payload, a.Payload)

	_, _, err = dl.Encrypt(&Outgoing{Src: 0x1201, Dst: 0xC000, Payload: []byte{1}})
	require.Error(t, err)
}

func TestVirtualLabels(t *testing.T) {
	labels := collidingLabels(t)
	va := VirtualAddress(labels[0])
	require.Equal(t, va, VirtualAddress(labels[1]))
	require.Equal(t, va, VirtualAddress(labels[2]))

	km := newManager(t)
	idx := mesh.KeyIndex(0)
	o := &Outgoing{Src: 0x1234, Label: &labels[1], AppKeyIndex: &idx, SeqAuth: 0x000007, IVIndex: 0x12345677, Payload: h(t, "d50a0048656c6c6f")}
	meta, sealed, err := NewLayer(km, nil).Encrypt(o)
	require.NoError(t, err)

	ak, _, err := km.AppTx(0)
	require.NoError(t, err)
	n := Nonce{Src: o.Src, Dst: va, SeqAuth: o.SeqAuth, IVIndex: o.IVIndex}
	for i := range labels {
		plain, err := OpenApp(ak.Key, n, &labels[i], sealed)
		if i == 1 {
			require.NoError(t, err)
			require.Equal(t, o.Payload, plain)
		} else {
			require.Error(t, err, "label %d authenticated", i)
		}
	}

	// subscribed to all three: the right one is found
	l := NewLayer(km, func(addr mesh.Address) []uuid.UUID {
		require.Equal(t, va, addr)
		return []uuid.UUID{labels[2], labels[0], labels[1]}
	})
	a := l.Decrypt(incoming(meta, o, va, sealed))
	require.NotNil(t, a)
	require.Equal(t, labels[1], *a.Label)
	require.Equal(t, o.Payload, a.Payload)

	// subscribed to the other two only: dropped
	l = NewLayer(km, func(mesh.Address) []uuid.UUID { return []uuid.UUID{labels[0], labels[2]} })
	require.Nil(t, l.Decrypt(incoming(meta, o, va, sealed)))

	_, _, err = NewLayer(km, nil).Encrypt(&Outgoing{Src: 1, Dst: va + 1, Label: &labels[0], AppKeyIndex: &idx, Payload: []byte{1}})
	require.Error(t, err)
}

func TestEncryptErrors(t *testing.T) {
	l := NewLayer(newManager(t), nil)
	idx := mesh.KeyIndex(0)

	_, _, err := l.Encrypt(&Outgoing{Src: 1, Dst: 2, AppKeyIndex: &idx, Payload: make([]byte, transport.MaxAccessPDU)})
	require.True(t, errors.Is(err, mesh.ErrPayloadTooLarge))

	missing := mesh.KeyIndex(9)
	_, _, err = l.Encrypt(&Outgoing{Src: 1, Dst: 2, AppKeyIndex: &missing, Payload: []byte{1}})
	require.True(t, errors.Is(err, mesh.ErrUnknownAppKey))

	_, _, err = l.Encrypt(&Outgoing{Src: 1, Dst: 2, AppKeyIndex: &idx, NetKeyIndex: 1, Payload: []byte{1}})
	require.Error(t, err)
}
