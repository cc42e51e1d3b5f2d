package stack

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/access"
	"github.com/rigado/mesh/bearer"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/persistence"
	"github.com/rigado/mesh/provisioning"
	"github.com/rigado/mesh/upper"
	"github.com/stretchr/testify/require"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var (
	netKey  = mustHex("7dd7364cd842ad18c17c2b820c84c3d6")
	appKey  = mustHex("63964771734fbd76e3b40519d1d94a48")
	devKeyA = mustHex("9d6dd0e96eb25dc19a40ed9914f8f03f")
	devKeyB = mustHex("1b5d4c6a3a48e2f2b56e2f6f0c41a9d3")
)

const (
	addrA  mesh.Address = 0x0001
	addrB  mesh.Address = 0x0002
	appIdx              = mesh.KeyIndex(0x456)
)

func testKeys(t *testing.T) *keys.Manager {
	t.Helper()
	km := keys.NewManager()
	require.NoError(t, km.AddNetKey(0, netKey))
	require.NoError(t, km.AddAppKey(appIdx, 0, appKey))
	require.NoError(t, km.AddNode(&mesh.Node{Name: "a", Address: addrA, DeviceKey: devKeyA}))
	require.NoError(t, km.AddNode(&mesh.Node{
		Name:      "b",
		Address:   addrB,
		DeviceKey: devKeyB,
		Elements: []mesh.Element{
			{Models: []mesh.Model{{ID: mesh.SIGModel(0x0000)}, {ID: mesh.SIGModel(0x1000)}}},
			{Location: 0x0101, Models: []mesh.Model{{ID: mesh.VendorModel(0x0059, 0x0001), Vendor: true}}},
			{Location: 0x0102},
		},
	}))
	return km
}

func testConfig() mesh.Config {
	cfg := mesh.DefaultConfig()
	cfg.SegmentRetransmitInterval = 50 * time.Millisecond
	cfg.AckDelay = 10 * time.Millisecond
	return cfg
}

type node struct {
	*Stack
	bearer *bearer.Loopback
}

func pair(t *testing.T, cfg mesh.Config) (a, b node) {
	t.Helper()
	ba, bb := bearer.NewLoopbackPair()

	sa, err := New(ba, testKeys(t), cfg, OptLocal(addrA))
	require.NoError(t, err)
	sb, err := New(bb, testKeys(t), cfg, OptLocal(addrB))
	require.NoError(t, err)

	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return node{sa, ba}, node{sb, bb}
}

func waitEvent(t *testing.T, s *Stack, match func(mesh.Event) bool) mesh.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("expected event not received")
			return nil
		}
	}
}

func isMessage(ev mesh.Event) bool {
	_, ok := ev.(mesh.MessageEvent)
	return ok
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestSendAcknowledged(t *testing.T) {
	a, b := pair(t, testConfig())

	go func() {
		for ev := range b.Events() {
			m, ok := ev.(mesh.MessageEvent)
			if !ok {
				continue
			}
			set := m.Message.(*access.GenericOnOffSet)
			b.Send(context.Background(), Target{Dst: m.Src, AppKey: AppKey(appIdx)}, &access.GenericOnOffStatus{Present: set.OnOff})
			return
		}
	}()

	r, err := a.SendAcknowledged(ctx(t), Target{Dst: addrB, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{OnOff: true, TID: 7})
	require.NoError(t, err)
	require.Equal(t, addrB, r.Src)
	require.Equal(t, &access.GenericOnOffStatus{Present: true}, r.Message)
	require.Equal(t, uint64(1), b.Stats().Accepted)
}

func TestSegmentedConfigReply(t *testing.T) {
	a, b := pair(t, testConfig())

	r, err := a.SendAcknowledged(ctx(t), Target{Dst: addrB}, &access.ConfigCompositionDataGet{})
	require.NoError(t, err)

	st := r.Message.(*access.ConfigCompositionDataStatus)
	require.Len(t, st.Elements, 3)
	require.Equal(t, uint16(0x0101), st.Elements[1].Location)
	require.Equal(t, mesh.VendorModel(0x0059, 0x0001), st.Elements[1].Models[0].ID)

	// the reply took more than one network PDU
	require.Greater(t, b.Stats().Sent, uint64(1))
	require.Equal(t, 1, a.lower.Pending())
}

func TestConfigServer(t *testing.T) {
	a, b := pair(t, testConfig())

	r, err := a.SendAcknowledged(ctx(t), Target{Dst: addrB}, &access.ConfigModelAppBind{
		ElementAddress: addrB,
		AppKeyIndex:    appIdx,
		Model:          mesh.SIGModel(0x1000),
	})
	require.NoError(t, err)
	require.Equal(t, byte(access.StatusSuccess), r.Message.(*access.ConfigModelAppStatus).Status)

	n, err := b.Keys().Node(addrB)
	require.NoError(t, err)
	require.True(t, n.Elements[0].Models[1].BoundTo(appIdx))

	r, err = a.SendAcknowledged(ctx(t), Target{Dst: addrB}, &access.ConfigModelAppBind{
		ElementAddress: addrB + 2,
		AppKeyIndex:    appIdx,
		Model:          mesh.SIGModel(0x1000),
	})
	require.NoError(t, err)
	require.Equal(t, byte(access.StatusInvalidModel), r.Message.(*access.ConfigModelAppStatus).Status)

	r, err = a.SendAcknowledged(ctx(t), Target{Dst: addrB}, &access.ConfigRelayGet{})
	require.NoError(t, err)
	require.Equal(t, byte(access.RelayNotSupported), r.Message.(*access.ConfigRelayStatus).Relay)

	require.Error(t, a.Send(ctx(t), Target{Dst: addrB, AppKey: AppKey(appIdx)}, &access.ConfigRelayGet{}))
}

func TestHeartbeat(t *testing.T) {
	a, b := pair(t, testConfig())

	require.NoError(t, a.Heartbeat(ctx(t), addrB, 0, 0x0003))
	ev := waitEvent(t, b.Stack, isMessage).(mesh.MessageEvent)
	require.Equal(t, addrA, ev.Src)
	require.Equal(t, &access.Heartbeat{InitTTL: 5, Features: 0x0003}, ev.Message)
	require.Nil(t, ev.AppKey)
}

func TestGroupAndAllNodes(t *testing.T) {
	a, b := pair(t, testConfig())

	require.NoError(t, b.Subscribe(0xC001))
	require.Error(t, b.Subscribe(0x0005))

	// not subscribed
	require.NoError(t, a.Send(ctx(t), Target{Dst: 0xC002, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{TID: 1, Unacknowledged: true}))

	require.NoError(t, a.Send(ctx(t), Target{Dst: 0xC001, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{TID: 2, Unacknowledged: true}))
	require.NoError(t, a.Send(ctx(t), Target{Dst: mesh.AllNodes, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{TID: 3, Unacknowledged: true}))

	ev := waitEvent(t, b.Stack, isMessage).(mesh.MessageEvent)
	require.Equal(t, mesh.Address(0xC001), ev.Dst)
	require.Equal(t, uint8(2), ev.Message.(*access.GenericOnOffSet).TID)
	require.Equal(t, appIdx, *ev.AppKey)

	ev = waitEvent(t, b.Stack, isMessage).(mesh.MessageEvent)
	require.Equal(t, mesh.AllNodes, ev.Dst)
}

// collidingLabels returns two labels with the same virtual address.
func collidingLabels() (uuid.UUID, uuid.UUID) {
	seen := map[mesh.Address]uuid.UUID{}
	for i := uint32(0); ; i++ {
		var l uuid.UUID
		copy(l[:], mustHex("f4a002c7fb1e4ca0a469a021de0db875"))
		binary.BigEndian.PutUint32(l[12:], i)
		addr := upper.VirtualAddress(l)
		if o, ok := seen[addr]; ok {
			return o, l
		}
		seen[addr] = l
	}
}

func TestVirtualLabels(t *testing.T) {
	a, b := pair(t, testConfig())

	subscribed, other := collidingLabels()
	vaddr := b.SubscribeVirtual(subscribed)
	require.True(t, vaddr.IsVirtual())
	require.Equal(t, vaddr, upper.VirtualAddress(other))

	require.NoError(t, a.Send(ctx(t), Target{Label: &other, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{TID: 1, Unacknowledged: true}))
	require.NoError(t, a.Send(ctx(t), Target{Label: &subscribed, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{TID: 2, Unacknowledged: true}))

	ev := waitEvent(t, b.Stack, isMessage).(mesh.MessageEvent)
	require.Equal(t, vaddr, ev.Dst)
	require.Equal(t, uint8(2), ev.Message.(*access.GenericOnOffSet).TID)
}

func TestSendFailed(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentRetransmitInterval = 10 * time.Millisecond
	cfg.SegmentRetryLimit = 2
	a, _ := pair(t, cfg)
	a.bearer.SetFilter(func([]byte) bool { return false })

	m := &access.VendorMessage{Op: access.VendorOpcode(0x01, 0x0059), Params: make([]byte, 24)}
	err := a.Send(ctx(t), Target{Dst: addrB, AppKey: AppKey(appIdx)}, m)
	require.True(t, errors.Is(err, mesh.ErrSendTimeout), "%v", err)

	ev := waitEvent(t, a.Stack, func(ev mesh.Event) bool {
		_, ok := ev.(mesh.SendFailedEvent)
		return ok
	}).(mesh.SendFailedEvent)
	require.Equal(t, addrB, ev.Dst)
}

func TestBeaconFollowsIVIndex(t *testing.T) {
	a, b := pair(t, testConfig())

	require.NoError(t, a.SetIVIndex(1, true))
	require.NoError(t, a.SendBeacon(0))

	ev := waitEvent(t, b.Stack, func(ev mesh.Event) bool {
		_, ok := ev.(mesh.IVUpdateEvent)
		return ok
	}).(mesh.IVUpdateEvent)
	require.Equal(t, mesh.IVUpdateEvent{Index: 1, Updating: true}, ev)

	index, updating := b.IVIndex()
	require.Equal(t, uint32(1), index)
	require.True(t, updating)

	// messages keep flowing on the old index during the update
	require.NoError(t, a.Send(ctx(t), Target{Dst: addrB, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{Unacknowledged: true}))
	waitEvent(t, b.Stack, isMessage)
}

func TestPersistAndResume(t *testing.T) {
	cfg := testConfig()
	cfg.SequenceReserve = 4
	st := persistence.NewFileStore(filepath.Join(t.TempDir(), "mesh.json"))

	ba, bb := bearer.NewLoopbackPair()
	id, err := NetworkID(testKeys(t))
	require.NoError(t, err)

	a, err := New(ba, testKeys(t), cfg, OptLocal(addrA), OptStore(st, id))
	require.NoError(t, err)
	b, err := New(bb, testKeys(t), cfg, OptLocal(addrB))
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Send(ctx(t), Target{Dst: addrB, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{TID: uint8(i), Unacknowledged: true}))
	}
	snap, err := st.Load(id)
	require.NoError(t, err)
	require.Equal(t, map[mesh.Address]uint32{addrA: 8}, snap.Marks())
	require.NoError(t, a.Close())

	ba2, bb2 := bearer.NewLoopbackPair()
	defer bb2.Close()
	restored, err := Open(ba2, st, id, cfg)
	require.NoError(t, err)
	defer restored.Close()

	require.Equal(t, addrA, restored.Local())
	require.Equal(t, uint32(8), restored.net.Sequences().Peek(addrA))
	_, err = restored.Keys().AppKey(appIdx)
	require.NoError(t, err)
}

func TestProvisionOverBearer(t *testing.T) {
	ba, bb := bearer.NewLoopbackPair()

	km := keys.NewManager()
	require.NoError(t, km.AddNetKey(0, netKey))
	require.NoError(t, km.AddAppKey(appIdx, 0, appKey))
	require.NoError(t, km.AddNode(&mesh.Node{Name: "provisioner", Address: addrA, DeviceKey: devKeyA}))

	prov, err := New(ba, km, testConfig(), OptLocal(addrA))
	require.NoError(t, err)
	defer prov.Close()
	dev, err := New(bb, nil, testConfig())
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.AcceptProvisioning(provisioning.Config{
		Capabilities: provisioning.Capabilities{Elements: 2},
	}))

	r, err := prov.Provision(ctx(t), 0x1234, provisioning.Config{
		Data: provisioning.Data{NetKey: netKey, IVIndex: 0},
	})
	require.NoError(t, err)
	require.Equal(t, addrB, r.Data.Address)

	require.Eventually(t, func() bool { return dev.Local() == addrB }, 3*time.Second, 5*time.Millisecond)
	require.Error(t, dev.AcceptProvisioning(provisioning.Config{Capabilities: provisioning.Capabilities{Elements: 1}}))

	st, err := prov.SendAcknowledged(ctx(t), Target{Dst: addrB}, &access.ConfigAppKeyAdd{
		NetKeyIndex: 0,
		AppKeyIndex: appIdx,
		AppKey:      appKey,
	})
	require.NoError(t, err)
	require.Equal(t, byte(access.StatusSuccess), st.Message.(*access.ConfigAppKeyStatus).Status)

	require.NoError(t, prov.Send(ctx(t), Target{Dst: addrB + 1, AppKey: AppKey(appIdx)}, &access.GenericOnOffSet{OnOff: true, Unacknowledged: true}))
	ev := waitEvent(t, dev, func(ev mesh.Event) bool {
		m, ok := ev.(mesh.MessageEvent)
		if !ok {
			return false
		}
		_, ok = m.Message.(*access.GenericOnOffSet)
		return ok
	}).(mesh.MessageEvent)
	require.Equal(t, addrB+1, ev.Dst)

	waitEvent(t, prov, func(ev mesh.Event) bool {
		p, ok := ev.(mesh.ProvisioningEvent)
		return ok && p.State == provisioning.StateComplete.String()
	})
}

func TestCloseFailsPending(t *testing.T) {
	a, _ := pair(t, testConfig())

	errc := make(chan error, 1)
	go func() {
		_, err := a.SendAcknowledged(context.Background(), Target{Dst: addrB, AppKey: AppKey(appIdx)}, &access.GenericOnOffGet{})
		errc <- err
	}()
	require.Eventually(t, func() bool { return a.pending.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	select {
	case err := <-errc:
		require.True(t, errors.Is(err, mesh.ErrClosed), "%v", err)
	case <-time.After(time.Second):
		t.Fatal("pending send not released by Close")
	}

	for range a.Events() {
	}
	require.Error(t, a.Send(context.Background(), Target{Dst: addrB, AppKey: AppKey(appIdx)}, &access.GenericOnOffGet{}))
}

func TestLongMIC(t *testing.T) {
	a, b := pair(t, testConfig())

	require.NoError(t, a.Send(ctx(t), Target{Dst: addrB, AppKey: AppKey(appIdx), LongMIC: true}, &access.GenericOnOffSet{OnOff: true, TID: 3, Unacknowledged: true}))
	ev := waitEvent(t, b.Stack, isMessage).(mesh.MessageEvent)
	require.Equal(t, &access.GenericOnOffSet{OnOff: true, TID: 3, Unacknowledged: true}, ev.Message)
	require.Equal(t, addrA, ev.Src)

	// a short payload went out segmented
	require.Equal(t, 1, b.lower.Pending())
}

func TestNodeResetAndReprovision(t *testing.T) {
	ba, bb := bearer.NewLoopbackPair()

	km := keys.NewManager()
	require.NoError(t, km.AddNetKey(0, netKey))
	require.NoError(t, km.AddNode(&mesh.Node{Name: "provisioner", Address: addrA, DeviceKey: devKeyA}))

	prov, err := New(ba, km, testConfig(), OptLocal(addrA))
	require.NoError(t, err)
	defer prov.Close()
	dev, err := New(bb, nil, testConfig())
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.AcceptProvisioning(provisioning.Config{Capabilities: provisioning.Capabilities{Elements: 1}}))
	_, err = prov.Provision(ctx(t), 0x1234, provisioning.Config{Data: provisioning.Data{NetKey: netKey}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dev.Local() == addrB }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, dev.Subscribe(0xC001))

	r, err := prov.SendAcknowledged(ctx(t), Target{Dst: addrB}, &access.ConfigNodeReset{})
	require.NoError(t, err)
	require.IsType(t, &access.ConfigNodeResetStatus{}, r.Message)

	require.Eventually(t, func() bool { return dev.Local() == mesh.UnassignedAddress }, 3*time.Second, 5*time.Millisecond)
	require.Empty(t, dev.Keys().NetKeys())
	require.Empty(t, dev.Keys().Nodes())
	iv, _ := dev.IVIndex()
	require.Zero(t, iv)
	dev.mu.RLock()
	require.Empty(t, dev.groups)
	dev.mu.RUnlock()

	// the reset device can join again
	require.NoError(t, prov.Keys().RemoveNode(addrB))
	require.NoError(t, dev.AcceptProvisioning(provisioning.Config{Capabilities: provisioning.Capabilities{Elements: 1}}))
	_, err = prov.Provision(ctx(t), 0x5678, provisioning.Config{Data: provisioning.Data{NetKey: netKey, Address: 0x0010}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dev.Local() == 0x0010 }, 3*time.Second, 5*time.Millisecond)

	st, err := prov.SendAcknowledged(ctx(t), Target{Dst: 0x0010}, &access.ConfigAppKeyAdd{
		NetKeyIndex: 0,
		AppKeyIndex: appIdx,
		AppKey:      appKey,
	})
	require.NoError(t, err)
	require.Equal(t, byte(access.StatusSuccess), st.Message.(*access.ConfigAppKeyStatus).Status)
}
