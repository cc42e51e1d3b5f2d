package provisioning

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/security"
	"github.com/stretchr/testify/require"
)

var netKey, _ = hex.DecodeString("7dd7364cd842ad18c17c2b820c84c3d6")

// link connects two sessions like a provisioning bearer would. PDUs can
// be held back or rewritten with filter.
type link struct {
	mu     sync.Mutex
	prov   *Session
	dev    *Session
	toDev  []byte
	filter func(toDevice bool, pdu []byte) []byte
}

func (l *link) send(toDevice bool) func([]byte) error {
	return func(p []byte) error {
		l.mu.Lock()
		if toDevice {
			l.toDev = append(l.toDev, p[0])
		}
		f := l.filter
		l.mu.Unlock()

		if f != nil {
			if p = f(toDevice, p); p == nil {
				return nil
			}
		}
		peer := l.prov
		if toDevice {
			peer = l.dev
		}
		// the peer reports its own failures
		peer.Handle(p)
		return nil
	}
}

type fixture struct {
	link    *link
	provKM  *keys.Manager
	devKM   *keys.Manager
	events  chan mesh.Event
	clk     *clock.Mock
	devUUID uuid.UUID
}

func newFixture(t *testing.T, provAuth, devAuth Auth, caps Capabilities) *fixture {
	t.Helper()
	f := &fixture{
		link:    &link{},
		provKM:  keys.NewManager(),
		devKM:   keys.NewManager(),
		events:  make(chan mesh.Event, 64),
		clk:     clock.NewMock(),
		devUUID: uuid.New(),
	}
	require.NoError(t, f.provKM.AddNetKey(0, netKey))
	require.NoError(t, f.provKM.AddNode(&mesh.Node{Address: 0x0001, DeviceKey: make([]byte, 16), Elements: make([]mesh.Element, 1)}))

	var err error
	f.link.prov, err = NewProvisioner(Config{
		ID:      "prov",
		Send:    f.link.send(true),
		Auth:    provAuth,
		Clock:   f.clk,
		Timeout: time.Minute,
		Keys:    f.provKM,
		Events:  f.events,
		UUID:    f.devUUID,
		Data:    Data{NetKey: netKey, KeyIndex: 0, IVIndex: 0x12345678, IVUpdate: true},
	})
	require.NoError(t, err)
	f.link.dev, err = NewDevice(Config{
		ID:           "dev",
		Send:         f.link.send(false),
		Auth:         devAuth,
		Clock:        f.clk,
		Timeout:      time.Minute,
		Keys:         f.devKM,
		Capabilities: caps,
		UUID:         f.devUUID,
	})
	require.NoError(t, err)
	return f
}

func wait(t *testing.T, s *Session) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestProvisionNoOOB(t *testing.T) {
	f := newFixture(t, NoOOB{}, NoOOB{}, Capabilities{Elements: 2})
	require.NoError(t, f.link.dev.Start())
	require.NoError(t, f.link.prov.Start())

	pr, err := wait(t, f.link.prov)
	require.NoError(t, err)
	dr, err := wait(t, f.link.dev)
	require.NoError(t, err)

	require.Equal(t, StateComplete, f.link.prov.State())
	require.Equal(t, StateComplete, f.link.dev.State())
	require.Len(t, pr.DeviceKey, 16)
	require.Equal(t, pr.DeviceKey, dr.DeviceKey)
	require.Equal(t, mesh.Address(0x0002), dr.Data.Address)
	require.Equal(t, uint32(0x12345678), dr.Data.IVIndex)
	require.True(t, dr.Data.IVUpdate)
	require.Equal(t, netKey, dr.Data.NetKey)
	require.Equal(t, 2, dr.Node.ElementCount())

	// both key managers hold the result
	node, err := f.provKM.Node(0x0003)
	require.NoError(t, err)
	require.Equal(t, mesh.Address(0x0002), node.Address)
	require.Equal(t, f.devUUID, node.UUID)
	dk, err := f.devKM.DeviceKey(0x0002)
	require.NoError(t, err)
	require.Equal(t, pr.DeviceKey, dk)
	_, err = f.devKM.NetKey(0)
	require.NoError(t, err)

	require.Equal(t, []byte{pduInvite, pduStart, pduPublicKey, pduConfirmation, pduRandom, pduData}, f.link.toDev)

	var states []string
	for len(f.events) > 0 {
		ev := (<-f.events).(mesh.ProvisioningEvent)
		if ev.Session == "prov" {
			states = append(states, ev.State)
		}
	}
	require.Equal(t, []string{"invite", "capabilities", "start", "public key exchange", "confirmation", "random", "data distribution", "complete"}, states)
}

func TestProvisionDuringKeyRefresh(t *testing.T) {
	f := newFixture(t, NoOOB{}, NoOOB{}, Capabilities{Elements: 1})
	f.link.prov.cfg.Data.KeyRefresh = true
	require.NoError(t, f.link.dev.Start())
	require.NoError(t, f.link.prov.Start())

	_, err := wait(t, f.link.prov)
	require.NoError(t, err)
	dr, err := wait(t, f.link.dev)
	require.NoError(t, err)
	require.True(t, dr.Data.KeyRefresh)

	nk, err := f.devKM.NetKey(0)
	require.NoError(t, err)
	require.Equal(t, keys.PhaseUsingNewKeys, nk.Phase)
	require.Nil(t, nk.Old)
	require.Equal(t, netKey, nk.Current.NetKey)
}

func TestProvisionStaticOOB(t *testing.T) {
	key := bytes.Repeat([]byte{0x5A}, 16)
	f := newFixture(t, StaticOOB{Key: key}, StaticOOB{Key: key}, Capabilities{Elements: 1, StaticOOBType: 1})
	require.NoError(t, f.link.prov.Start())
	_, err := wait(t, f.link.prov)
	require.NoError(t, err)

	// a different static value fails the confirmation check
	other := bytes.Repeat([]byte{0xA5}, 16)
	f = newFixture(t, StaticOOB{Key: key}, StaticOOB{Key: other}, Capabilities{Elements: 1, StaticOOBType: 1})
	require.NoError(t, f.link.prov.Start())
	_, err = wait(t, f.link.prov)
	require.True(t, mesh.IsProtocolError(err), "%v", err)
	_, err = wait(t, f.link.dev)
	require.True(t, mesh.IsProtocolError(err), "%v", err)
	require.Equal(t, StateFailed, f.link.dev.State())
}

func TestProvisionOutputNumeric(t *testing.T) {
	var shown uint32
	dev := OutputNumeric{Display: func(n uint32) { shown = n }}
	prov := OutputNumeric{Digits: 4, Prompt: func() (uint32, error) { return shown, nil }}

	caps := Capabilities{Elements: 1, OutputOOBSize: 6, OutputOOBAction: 1 << ActionNumeric}
	f := newFixture(t, prov, dev, caps)
	require.NoError(t, f.link.prov.Start())

	_, err := wait(t, f.link.prov)
	require.NoError(t, err)
	require.Less(t, shown, uint32(10000))

	// a device that cannot display numbers is rejected up front
	f = newFixture(t, prov, dev, Capabilities{Elements: 1})
	require.NoError(t, f.link.prov.Start())
	_, err = wait(t, f.link.prov)
	require.Error(t, err)
}

func TestProvisionRandomBeforeConfirmation(t *testing.T) {
	f := newFixture(t, NoOOB{}, NoOOB{}, Capabilities{Elements: 1})

	// replace the provisioner's Confirmation with a Random
	f.link.filter = func(toDevice bool, p []byte) []byte {
		if toDevice && p[0] == pduConfirmation {
			return append([]byte{pduRandom}, p[1:]...)
		}
		return p
	}
	require.NoError(t, f.link.prov.Start())

	_, err := wait(t, f.link.dev)
	require.True(t, mesh.IsProtocolError(err), "%v", err)
	require.True(t, strings.Contains(err.Error(), "unexpected pdu"), "%v", err)
	require.Equal(t, StateFailed, f.link.dev.State())

	// the device reported the failure to the provisioner
	_, err = wait(t, f.link.prov)
	require.True(t, mesh.IsProtocolError(err), "%v", err)
	require.Equal(t, StateFailed, f.link.prov.State())

	_, err = f.provKM.Node(0x0002)
	require.True(t, errors.Is(err, mesh.ErrUnknownNode))
}

func TestProvisionerRejectsRandomFirst(t *testing.T) {
	f := newFixture(t, NoOOB{}, NoOOB{}, Capabilities{Elements: 1})

	// the device answers the Confirmation with its Random
	f.link.filter = func(toDevice bool, p []byte) []byte {
		if !toDevice && p[0] == pduConfirmation {
			return append([]byte{pduRandom}, p[1:]...)
		}
		return p
	}
	require.NoError(t, f.link.prov.Start())

	_, err := wait(t, f.link.prov)
	require.True(t, mesh.IsProtocolError(err), "%v", err)
	require.Equal(t, StateFailed, f.link.prov.State())
}

func TestOutOfOrderInvite(t *testing.T) {
	var sent [][]byte
	dev, err := NewDevice(Config{
		Send:         func(p []byte) error { sent = append(sent, p); return nil },
		Capabilities: Capabilities{Elements: 1},
		Clock:        clock.NewMock(),
	})
	require.NoError(t, err)

	err = dev.Handle([]byte{pduStart, 0, 0, 0, 0, 0})
	require.True(t, mesh.IsProtocolError(err))
	require.Equal(t, [][]byte{{pduFailed, ReasonUnexpectedPDU}}, sent)

	// no recovery: the session must restart from Invite
	require.Error(t, dev.Handle([]byte{pduInvite, 0}))
}

func TestMalformedPDUs(t *testing.T) {
	newDev := func() (*Session, *[][]byte) {
		var sent [][]byte
		dev, err := NewDevice(Config{
			Send:         func(p []byte) error { sent = append(sent, p); return nil },
			Capabilities: Capabilities{Elements: 1},
			Clock:        clock.NewMock(),
		})
		require.NoError(t, err)
		return dev, &sent
	}

	dev, sent := newDev()
	require.Error(t, dev.Handle([]byte{pduInvite}))
	require.Equal(t, []byte{pduFailed, ReasonInvalidFormat}, (*sent)[0])

	dev, sent = newDev()
	require.NoError(t, dev.Handle([]byte{pduInvite, 5}))
	require.Error(t, dev.Handle([]byte{pduStart, 0, 0, AuthNoOOB, 1, 0}))
	require.Equal(t, []byte{pduFailed, ReasonInvalidFormat}, (*sent)[1])

	dev, sent = newDev()
	require.Error(t, dev.Handle([]byte{0x42}))
	require.Equal(t, []byte{pduFailed, ReasonInvalidPDU}, (*sent)[0])
}

func TestSessionTimeout(t *testing.T) {
	clk := clock.NewMock()
	events := make(chan mesh.Event, 8)
	prov, err := NewProvisioner(Config{
		Send:    func([]byte) error { return nil },
		Clock:   clk,
		Timeout: 10 * time.Second,
		Events:  events,
		Data:    Data{NetKey: netKey, Address: 0x0010},
	})
	require.NoError(t, err)
	require.NoError(t, prov.Start())

	clk.Add(10 * time.Second)
	_, err = wait(t, prov)
	require.True(t, errors.Is(err, mesh.ErrTimeout), "%v", err)
	require.Equal(t, StateFailed, prov.State())
}

func TestPublicKeyMatchingLocalKey(t *testing.T) {
	dev, err := NewDevice(Config{Send: func([]byte) error { return nil }, Capabilities: Capabilities{Elements: 1}})
	if err != nil {
		t.Fatal(err)
	}
	dev.Handle([]byte{pduInvite, 0})
	dev.Handle([]byte{pduStart, 0, 0, 0, 0, 0})

	err = dev.Handle(append([]byte{pduPublicKey}, dev.ecdh.PublicBytes()...))
	if err == nil || !strings.Contains(err.Error(), "remote public key cannot") {
		t.Fatalf("failed to detect remote public key matching local public key: %v", err)
	}
}

func TestDataRoundTrip(t *testing.T) {
	a, err := security.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	b, err := security.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	sa, err := a.SharedSecret(b.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.SharedSecret(a.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatal("ecdh secrets differ")
	}

	in := inputs{invite: []byte{0}, capabilities: Capabilities{Elements: 1, Algorithms: 1}.encode(), start: Start{}.encode(), provisioner: a.PublicBytes(), device: b.PublicBytes()}
	if len(in.bytes()) != 145 {
		t.Fatalf("confirmation inputs length %d", len(in.bytes()))
	}
	k, err := confirmationKeys(in, sa)
	if err != nil {
		t.Fatal(err)
	}
	dk, err := deriveDataKeys(k, sa, make([]byte, 16), bytes.Repeat([]byte{1}, 16))
	if err != nil {
		t.Fatal(err)
	}

	d := Data{NetKey: netKey, KeyIndex: 0x123, KeyRefresh: true, IVIndex: 7, Address: 0x0b0c}
	sealed, err := dk.seal(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != 33 {
		t.Fatalf("sealed data length %d", len(sealed))
	}
	got, err := dk.open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.NetKey, d.NetKey) || got.KeyIndex != d.KeyIndex || !got.KeyRefresh || got.IVIndex != 7 || got.Address != 0x0b0c {
		t.Fatalf("data mismatch: %+v", got)
	}

	sealed[0] ^= 1
	if _, err := dk.open(sealed); err != security.ErrMICMismatch {
		t.Fatalf("expected mic mismatch, got %v", err)
	}
}
