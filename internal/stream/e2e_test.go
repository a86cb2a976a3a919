package stream

import (
	"testing"
	"time"

	"iptv-relay/internal/platform/logger"
	"iptv-relay/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// newRelayManager wires real relays on ephemeral ports with fake encoders.
func newRelayManager(t *testing.T, f *fakeFactory) *Manager {
	t.Helper()
	newRelay := func() Relay {
		return relay.New(relay.Options{Width: 320, Height: 240, Bitrate: 800_000, Tick: 10 * time.Millisecond}, logger.Discard(), nil)
	}
	ports := relay.NewPortPool("127.0.0.1", 0, 1)
	return NewManager(Options{PublicHost: "127.0.0.1"}, testChannels, f.newEncoder, newRelay, ports, logger.Discard(), nil)
}

func TestSession_viewersReceiveEncoderOutput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := &fakeFactory{}
	m := newRelayManager(t, f)

	res, err := m.Start("ch1", "")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(res.DeliveryAddress, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, header, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, relay.Header(320, 240), header)

	require.Eventually(t, func() bool { return m.List()[0].AttachedSockets == 1 }, 2*time.Second, 5*time.Millisecond)
	f.encoder(0).emit([]byte("mpeg-ts bytes"))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "mpeg-ts bytes", string(payload))

	m.Stop("ch1", "")
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	shutdown(t, m)
}

func TestSession_encoderCrashClosesAllViewers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := &fakeFactory{}
	m := newRelayManager(t, f)

	var addr string
	for i := 0; i < 3; i++ {
		res, err := m.Start("ch1", "")
		require.NoError(t, err)
		addr = res.DeliveryAddress
	}

	conns := make([]*websocket.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = conn.ReadMessage()
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return m.List()[0].AttachedSockets == 3 }, 2*time.Second, 5*time.Millisecond)

	f.encoder(0).exit(1)

	for _, conn := range conns {
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	}
	require.Eventually(t, func() bool { return !m.Status("ch1").Active }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.List())
	shutdown(t, m)
}
