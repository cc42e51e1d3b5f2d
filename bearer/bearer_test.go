package bearer

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rigado/mesh"
	"github.com/stretchr/testify/require"
)

var _ mesh.Bearer = (*Loopback)(nil)
var _ mesh.Bearer = (*Stream)(nil)

type collector struct {
	mu  sync.Mutex
	got [][]byte
}

func (c *collector) receive(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, append([]byte{}, b...))
}

func (c *collector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.got...)
}

func TestLoopbackPair(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	var ca, cb collector
	a.SetReceiver(ca.receive)
	b.SetReceiver(cb.receive)

	pdu := []byte{0x68, 0xec, 0xa4}
	require.NoError(t, a.Send(pdu))
	require.NoError(t, a.Send([]byte{1}))
	pdu[0] = 0

	require.Eventually(t, func() bool { return len(cb.all()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, [][]byte{{0x68, 0xec, 0xa4}, {1}}, cb.all())
	require.Empty(t, ca.all())
}

func TestLoopbackFilterAndClose(t *testing.T) {
	a, b := NewLoopbackPair()
	defer b.Close()

	var cb collector
	b.SetReceiver(cb.receive)
	a.SetFilter(func(p []byte) bool { return p[0] != 0xff })

	require.NoError(t, a.Send([]byte{0xff}))
	require.NoError(t, a.Send([]byte{0x01}))
	require.Eventually(t, func() bool { return len(cb.all()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []byte{0x01}, cb.all()[0])

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Equal(t, mesh.ErrClosed, a.Send([]byte{0x02}))
}

func TestStreamFraming(t *testing.T) {
	x, y := net.Pipe()
	a, b := NewStream(x), NewStream(y)
	defer a.Close()
	defer b.Close()

	var cb collector
	b.SetReceiver(cb.receive)

	frames := [][]byte{{0x01}, bytes.Repeat([]byte{0xab}, 29), bytes.Repeat([]byte{0xcd}, MaxFrame)}
	for _, f := range frames {
		require.NoError(t, a.Send(f))
	}
	require.Eventually(t, func() bool { return len(cb.all()) == len(frames) }, time.Second, time.Millisecond)
	require.Equal(t, frames, cb.all())

	require.Error(t, a.Send(nil))
	require.Error(t, a.Send(make([]byte, MaxFrame+1)))
}

func TestStreamDiscardsOversizedFrame(t *testing.T) {
	x, y := net.Pipe()
	b := NewStream(y)
	defer b.Close()
	defer x.Close()

	var cb collector
	b.SetReceiver(cb.receive)

	go func() {
		raw := []byte{0x01, 0x04}
		raw = append(raw, make([]byte, 0x0401)...)
		raw = append(raw, 0x02, 0x00, 0xaa, 0xbb)
		x.Write(raw)
	}()

	require.Eventually(t, func() bool { return len(cb.all()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []byte{0xaa, 0xbb}, cb.all()[0])
}
