package wshub

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-audio/internal/testutil"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// echoHandler registers each socket with hub and reports received messages.
func echoHandler(hub *Hub, received chan<- string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := hub.Register(conn)
		go c.ReadLoop(func(data []byte) {
			if received != nil {
				received <- string(data)
			}
		})
	})
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Count() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_BroadcastPreservesOrder(t *testing.T) {
	hub := NewHub("test", nil, zerolog.Nop())
	srv := httptest.NewServer(echoHandler(hub, nil))
	defer srv.Close()

	first := testutil.DialWS(t, srv, "/")
	second := testutil.DialWS(t, srv, "/")
	waitForClients(t, hub, 2)

	for i := 0; i < 50; i++ {
		hub.Broadcast([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	for _, conn := range []*websocket.Conn{first, second} {
		for i := 0; i < 50; i++ {
			msg := testutil.ReadJSON(t, conn, 2*time.Second)
			assert.Equal(t, float64(i), msg["seq"])
		}
	}
}

func TestHub_ReadLoopAndDisconnect(t *testing.T) {
	hub := NewHub("test", nil, zerolog.Nop())
	received := make(chan string, 1)
	srv := httptest.NewServer(echoHandler(hub, received))
	defer srv.Close()

	conn := testutil.DialWS(t, srv, "/")
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"noop"}`)))
	select {
	case msg := <-received:
		assert.Equal(t, `{"action":"noop"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	_ = conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_SkipsHalfClosedClients(t *testing.T) {
	hub := NewHub("test", nil, zerolog.Nop())
	srv := httptest.NewServer(echoHandler(hub, nil))
	defer srv.Close()

	testutil.DialWS(t, srv, "/")
	waitForClients(t, hub, 1)

	hub.CloseAll(false)

	hub.mu.RLock()
	var client *Client
	for c := range hub.clients {
		client = c
	}
	hub.mu.RUnlock()

	if client != nil {
		assert.False(t, client.Send([]byte(`{}`)))
	}
}

func TestServer_Lifecycle(t *testing.T) {
	hub := NewHub("test", nil, zerolog.Nop())
	s := NewServer(echoHandler(hub, nil), hub, zerolog.Nop())
	s.SetHost("127.0.0.1")
	s.SetGracePeriod(200 * time.Millisecond)

	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Stop(), "stopping a stopped server is a no-op")

	require.NoError(t, s.Start(0))
	assert.Equal(t, StateListening, s.State())
	addr := s.Addr()
	require.NotNil(t, addr)

	conn := testutil.DialWSURL(t, "ws://"+addr.String()+"/")
	waitForClients(t, hub, 1)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.Addr())
	waitForClients(t, hub, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "client socket is closed on stop")
}

func TestServer_StartWhileListeningRestarts(t *testing.T) {
	hub := NewHub("test", nil, zerolog.Nop())
	s := NewServer(echoHandler(hub, nil), hub, zerolog.Nop())
	s.SetHost("127.0.0.1")
	s.SetGracePeriod(100 * time.Millisecond)

	require.NoError(t, s.Start(0))
	conn := testutil.DialWSURL(t, "ws://"+s.Addr().String()+"/")
	waitForClients(t, hub, 1)

	require.NoError(t, s.Start(0))
	assert.Equal(t, StateListening, s.State())
	waitForClients(t, hub, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	testutil.DialWSURL(t, "ws://"+s.Addr().String()+"/")
	waitForClients(t, hub, 1)
	require.NoError(t, s.Stop())
}

func TestServer_RejectsStartDuringTransition(t *testing.T) {
	s := NewServer(http.NotFoundHandler(), nil, zerolog.Nop())

	for _, state := range []State{StateStarting, StateStopping} {
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()

		assert.ErrorIs(t, s.Start(0), ErrTransitionInProgress, state.String())
		assert.ErrorIs(t, s.Stop(), ErrTransitionInProgress, state.String())
	}
}

func TestServer_BindFailureLeavesStopped(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = taken.Close() }()

	s := NewServer(http.NotFoundHandler(), nil, zerolog.Nop())
	s.SetHost("127.0.0.1")

	err = s.Start(taken.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)
	assert.Equal(t, StateStopped, s.State())

	// The guard is released, so a later start on a free port works.
	require.NoError(t, s.Start(0))
	require.NoError(t, s.Stop())
}

func TestServer_ListenErrorReleasesGuard(t *testing.T) {
	s := NewServer(http.NotFoundHandler(), nil, zerolog.Nop())
	s.listenFn = func(network, address string) (net.Listener, error) {
		return nil, fmt.Errorf("permission denied")
	}

	assert.Error(t, s.Start(80))
	assert.Equal(t, StateStopped, s.State())
	assert.Error(t, s.Start(80), "retries are not blocked by a stale guard")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "state(9)", State(9).String())
}
