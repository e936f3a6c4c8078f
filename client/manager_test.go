package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumlink/realtime/wire"
)

// stubGateway is a minimal server end for manager tests: it accepts the
// handshake (unless the channel is marked rejected), records inbound
// envelopes and can push frames to connected sockets.
type stubGateway struct {
	upgrader websocket.Upgrader
	reject   map[string]bool

	mu       sync.Mutex
	inbound  []wire.Envelope
	conns    map[string]*websocket.Conn // channel -> latest conn
	accepted int
	dials    int
	dropNext bool
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		reject: make(map[string]bool),
		conns:  make(map[string]*websocket.Conn),
	}
}

func (g *stubGateway) handler(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.dials++
		rejected := g.reject[channel]
		g.mu.Unlock()

		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		env, err := wire.Decode(frame)
		if err != nil || env.Event != wire.EvAuthenticate || rejected {
			out, _ := wire.Encode(wire.EvAuthError, wire.ErrorPayload{Reason: "rejected"})
			conn.WriteMessage(websocket.TextMessage, out)
			conn.Close()
			return
		}
		req := wire.AuthRequest{}
		json.Unmarshal(env.Data, &req)
		out, _ := wire.Encode(wire.EvAuthSuccess, wire.AuthSuccess{Identity: req.Identity, Channel: channel})
		conn.WriteMessage(websocket.TextMessage, out)

		g.mu.Lock()
		g.accepted++
		drop := g.dropNext
		g.dropNext = false
		g.conns[channel] = conn
		g.mu.Unlock()

		if drop {
			conn.Close()
			return
		}

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(frame)
			if err != nil {
				continue
			}
			if env.Event == wire.EvPing {
				pong, _ := wire.Encode(wire.EvPong, json.RawMessage(env.Data))
				conn.WriteMessage(websocket.TextMessage, pong)
				continue
			}
			g.mu.Lock()
			g.inbound = append(g.inbound, env)
			g.mu.Unlock()
		}
	}
}

func (g *stubGateway) received() []wire.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]wire.Envelope(nil), g.inbound...)
}

func (g *stubGateway) push(t *testing.T, channel, event string, payload any) {
	t.Helper()
	g.mu.Lock()
	conn := g.conns[channel]
	g.mu.Unlock()
	require.NotNil(t, conn)
	frame, err := wire.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func (g *stubGateway) acceptedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

func (g *stubGateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

func (g *stubGateway) setReject(channel string, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reject[channel] = v
}

// closeConn kills the live server end of a channel's socket, simulating an
// involuntary drop.
func (g *stubGateway) closeConn(t *testing.T, channel string) {
	t.Helper()
	g.mu.Lock()
	conn := g.conns[channel]
	g.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()
}

func newManagerFixture(t *testing.T, channels []string, tweak func(*stubGateway)) (*Manager, *stubGateway) {
	t.Helper()
	g := newStubGateway()
	if tweak != nil {
		tweak(g)
	}
	mux := http.NewServeMux()
	for _, ch := range channels {
		mux.HandleFunc("/ws/"+ch, g.handler(ch))
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := New(Config{
		BaseURL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Channels:             channels,
		ReconnectBase:        20 * time.Millisecond,
		ReconnectMax:         100 * time.Millisecond,
		ReconnectMaxAttempts: 5,
		QueueSize:            10,
	})
	t.Cleanup(m.Disconnect)
	return m, g
}

func TestConnectAllAuthenticatesEveryChannel(t *testing.T) {
	m, g := newManagerFixture(t, []string{"realtime", "dm"}, nil)

	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))
	for _, ch := range []string{"realtime", "dm"} {
		st, err := m.State(ch)
		require.NoError(t, err)
		assert.Equal(t, StateConnected, st, ch)
	}
	assert.Equal(t, 2, g.acceptedCount())
}

func TestConnectAllIsAllOrNothing(t *testing.T) {
	m, _ := newManagerFixture(t, []string{"realtime", "dm"}, func(g *stubGateway) {
		g.reject["dm"] = true
	})

	err := m.ConnectAll(context.Background(), "alice", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dm")

	// The channel that did connect stays up for a caller-directed retry.
	st, _ := m.State("realtime")
	assert.Equal(t, StateConnected, st)
	st, _ = m.State("dm")
	assert.Equal(t, StateDisconnected, st)
}

func TestEmitWhileOfflineQueuesAndFlushes(t *testing.T) {
	m, g := newManagerFixture(t, []string{"dm"}, nil)

	require.NoError(t, m.Emit("dm", wire.EvNewMessage, wire.MessageIn{ReceiverID: "bob", Content: "one"}))
	require.NoError(t, m.Emit("dm", wire.EvNewMessage, wire.MessageIn{ReceiverID: "bob", Content: "two"}))
	require.NoError(t, m.Emit("dm", wire.EvNewMessage, wire.MessageIn{ReceiverID: "bob", Content: "three"}))
	assert.Empty(t, g.received())

	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))

	require.Eventually(t, func() bool { return len(g.received()) == 3 },
		2*time.Second, 10*time.Millisecond)
	got := g.received()
	assert.Equal(t, "one", payloadContent(t, got[0]))
	assert.Equal(t, "two", payloadContent(t, got[1]))
	assert.Equal(t, "three", payloadContent(t, got[2]))
}

func payloadContent(t *testing.T, env wire.Envelope) string {
	t.Helper()
	in := wire.MessageIn{}
	require.NoError(t, json.Unmarshal(env.Data, &in))
	return in.Content
}

func TestInboundEventsReachHandlersOnce(t *testing.T) {
	m, g := newManagerFixture(t, []string{"dm"}, nil)
	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))

	got := make(chan wire.MessageOut, 10)
	_, err := m.On("dm", wire.EvNewMessage, func(_ string, payload json.RawMessage) {
		out := wire.MessageOut{}
		json.Unmarshal(payload, &out)
		got <- out
	})
	require.NoError(t, err)

	msg := wire.MessageOut{Fingerprint: "fp-1", SenderID: "bob", Content: "hi", CreatedAt: time.Now().Unix()}
	g.push(t, "dm", wire.EvNewMessage, msg)
	g.push(t, "dm", wire.EvNewMessage, msg) // redelivery, deduped client-side

	select {
	case out := <-got:
		assert.Equal(t, "hi", out.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
	select {
	case <-got:
		t.Fatal("duplicate delivery reached the handler")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOffRemovesHandler(t *testing.T) {
	m, g := newManagerFixture(t, []string{"dm"}, nil)
	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))

	fired := make(chan struct{}, 10)
	id, err := m.On("dm", wire.EvUserTyping, func(string, json.RawMessage) { fired <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, m.Off("dm", wire.EvUserTyping, id))

	g.push(t, "dm", wire.EvUserTyping, wire.UserTyping{SenderID: "bob", IsTyping: true})
	select {
	case <-fired:
		t.Fatal("removed handler fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectAfterInvoluntaryDrop(t *testing.T) {
	m, g := newManagerFixture(t, []string{"dm"}, func(g *stubGateway) {
		g.dropNext = true // server kills the first accepted connection
	})

	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))

	// The dropped socket sends the channel through RECONNECTING back to
	// CONNECTED with a fresh handshake.
	require.Eventually(t, func() bool {
		st, _ := m.State("dm")
		return st == StateConnected && g.acceptedCount() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestVoluntaryDisconnectDoesNotReconnect(t *testing.T) {
	m, g := newManagerFixture(t, []string{"dm"}, nil)
	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))
	require.Equal(t, 1, g.acceptedCount())

	m.Disconnect()
	st, _ := m.State("dm")
	assert.Equal(t, StateDisconnected, st)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, g.acceptedCount(), "no reconnection after a voluntary disconnect")
	st, _ = m.State("dm")
	assert.Equal(t, StateDisconnected, st)
}

func TestEmitUnknownChannel(t *testing.T) {
	m, _ := newManagerFixture(t, []string{"dm"}, nil)
	err := m.Emit("nope", wire.EvNewMessage, nil)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestDisconnectStopsLatencyProbes(t *testing.T) {
	g := newStubGateway()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dm", g.handler("dm"))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := New(Config{
		BaseURL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Channels:        []string{"dm"},
		LatencyInterval: 20 * time.Millisecond,
		QueueSize:       10,
	})
	t.Cleanup(m.Disconnect)
	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))

	ch, err := m.channel("dm")
	require.NoError(t, err)
	pendingProbes := func() int {
		ch.health.mu.Lock()
		defer ch.health.mu.Unlock()
		return len(ch.health.pending)
	}

	// Probes flow while connected; the stub echoes pongs.
	require.Eventually(t, func() bool { return ch.health.Quality() != QualityOffline },
		2*time.Second, 10*time.Millisecond)

	m.Disconnect()

	// The monitor's timers stop with the connection: no probe fires after
	// the disconnect, and none stays pending.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, pendingProbes(), "probes still being sent after Disconnect")
	assert.Equal(t, QualityOffline, ch.health.Quality())
}

func TestRetryAbortsAfterDisconnect(t *testing.T) {
	m, g := newManagerFixture(t, []string{"dm"}, nil)
	ch, err := m.channel("dm")
	require.NoError(t, err)

	m.Disconnect()

	// A retry timer that fires after the disconnect must not dial.
	err = ch.connect(context.Background(), true)
	require.ErrorIs(t, err, errDisconnected)
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Zero(t, g.dialCount(), "aborted before dialing")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	g := newStubGateway()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dm", g.handler("dm"))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := New(Config{
		BaseURL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Channels:             []string{"dm"},
		ReconnectBase:        30 * time.Millisecond,
		ReconnectMax:         200 * time.Millisecond,
		ReconnectMaxAttempts: 50,
		QueueSize:            10,
	})
	t.Cleanup(m.Disconnect)
	require.NoError(t, m.ConnectAll(context.Background(), "alice", "tok"))

	// Reject further handshakes, then kill the live socket: the drop is
	// involuntary and every redial fails, parking the channel in
	// Reconnecting between attempts.
	g.setReject("dm", true)
	g.closeConn(t, "dm")
	require.Eventually(t, func() bool {
		st, _ := m.State("dm")
		return st == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	m.Disconnect()
	st, _ := m.State("dm")
	require.Equal(t, StateDisconnected, st)

	// The pending retry timer is cancelled: no further dials, no drift
	// into Errored, the channel stays put. An attempt already in flight
	// when Disconnect ran gets a moment to resolve before counting.
	time.Sleep(100 * time.Millisecond)
	dials := g.dialCount()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, dials, g.dialCount(), "reconnection dialed after Disconnect")
	st, _ = m.State("dm")
	assert.Equal(t, StateDisconnected, st)
}
