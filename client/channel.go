package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alumlink/realtime/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

const (
	channelWriteWait = 10 * time.Second
	channelReadWait  = 90 * time.Second
)

// errDisconnected aborts a connect attempt that lost the race against a
// voluntary Disconnect.
var errDisconnected = errors.New("client: channel disconnected")

type handlerReg struct {
	id int
	h  Handler
}

// Channel is one namespace: one websocket, its handlers, its offline queue
// and its health monitor.
type Channel struct {
	name   string
	mgr    *Manager
	log    *zap.SugaredLogger
	queue  *offlineQueue
	health *healthMonitor

	// writeMu serializes data-frame writes; gorilla allows one writer.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         int
	voluntary   bool
	retryCancel chan struct{}
	handlers    map[string][]handlerReg
	nextID      int
}

func newChannel(name string, mgr *Manager) *Channel {
	ch := &Channel{
		name:     name,
		mgr:      mgr,
		log:      mgr.log.With("channel", name),
		queue:    newOfflineQueue(mgr.cfg.QueueSize),
		handlers: make(map[string][]handlerReg),
	}
	ch.health = newHealthMonitor(name, mgr.cfg, mgr.qualityChanged)
	return ch
}

func (ch *Channel) url() string {
	return ch.mgr.cfg.BaseURL + "/ws/" + ch.name
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// connect dials and runs the authentication handshake: the first frame out
// is authenticate, the first frame back must be AUTH_SUCCESS.
func (ch *Channel) connect(ctx context.Context, reconnecting bool) error {
	identity, token := ch.mgr.credentials()

	ch.mu.Lock()
	if ch.state == StateConnected {
		ch.mu.Unlock()
		return nil
	}
	if reconnecting && ch.voluntary {
		// Disconnect won the race against the retry timer.
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return errDisconnected
	}
	if !reconnecting {
		ch.voluntary = false
	}
	ch.state = StateConnecting
	ch.mu.Unlock()

	fail := func(err error) error {
		ch.mu.Lock()
		switch {
		case ch.voluntary:
			ch.state = StateDisconnected
		case reconnecting:
			ch.state = StateReconnecting
		default:
			ch.state = StateDisconnected
		}
		ch.mu.Unlock()
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: ch.mgr.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, ch.url(), nil)
	if err != nil {
		return fail(fmt.Errorf("dial: %w", err))
	}

	frame, err := wire.Encode(wire.EvAuthenticate, wire.AuthRequest{Identity: identity, Token: token})
	if err != nil {
		conn.Close()
		return fail(err)
	}
	deadline := time.Now().Add(ch.mgr.cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return fail(fmt.Errorf("send authenticate: %w", err))
	}
	conn.SetReadDeadline(deadline)
	_, resp, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fail(fmt.Errorf("read auth reply: %w", err))
	}
	env, err := wire.Decode(resp)
	if err != nil {
		conn.Close()
		return fail(err)
	}
	if env.Event != wire.EvAuthSuccess {
		conn.Close()
		reason := "authentication rejected"
		ep := wire.ErrorPayload{}
		if json.Unmarshal(env.Data, &ep) == nil && ep.Reason != "" {
			reason = ep.Reason
		}
		return fail(fmt.Errorf("auth: %s", reason))
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(channelReadWait))
		return nil
	})

	ch.mu.Lock()
	if ch.voluntary {
		// Disconnect landed while the handshake was in flight; the
		// caller's intent wins over the fresh socket.
		ch.state = StateDisconnected
		ch.mu.Unlock()
		conn.Close()
		return errDisconnected
	}
	ch.conn = conn
	ch.state = StateConnected
	ch.gen++
	gen := ch.gen
	ch.mu.Unlock()
	ch.log.Infow("connected", "identity", identity)

	go ch.readLoop(conn, gen)
	ch.health.start(ch, conn, gen)
	ch.flushQueue(conn)
	return nil
}

// disconnect is the voluntary path: it never reconnects and cancels a retry
// timer that may be pending.
func (ch *Channel) disconnect() {
	ch.mu.Lock()
	ch.voluntary = true
	ch.gen++ // retire this connection's monitor timers
	if ch.retryCancel != nil {
		close(ch.retryCancel)
		ch.retryCancel = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(channelWriteWait))
		conn.Close()
	}
	ch.health.offline()
}

func (ch *Channel) generation() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.gen
}

func (ch *Channel) on(event string, h Handler) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextID++
	ch.handlers[event] = append(ch.handlers[event], handlerReg{id: ch.nextID, h: h})
	return ch.nextID
}

func (ch *Channel) off(event string, id int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	regs := ch.handlers[event]
	for i, r := range regs {
		if r.id == id {
			ch.handlers[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// emit sends an event, or queues it while the channel has no live socket.
func (ch *Channel) emit(event string, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	if ch.state != StateConnected || ch.conn == nil {
		ch.queue.push(frame)
		ch.mu.Unlock()
		ch.log.Debugw("queued while offline", "event", event)
		return nil
	}
	conn := ch.conn
	ch.mu.Unlock()
	return ch.write(conn, frame)
}

func (ch *Channel) write(conn *websocket.Conn, frame []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// flushQueue replays offline events in FIFO order after authentication.
func (ch *Channel) flushQueue(conn *websocket.Conn) {
	frames := ch.queue.drain()
	for _, frame := range frames {
		if err := ch.write(conn, frame); err != nil {
			ch.log.Warnw("flush failed", "err", err)
			return
		}
	}
	if len(frames) > 0 {
		ch.log.Infow("offline queue flushed", "count", len(frames))
	}
}

func (ch *Channel) readLoop(conn *websocket.Conn, gen int) {
	conn.SetReadDeadline(time.Now().Add(channelReadWait))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(channelReadWait))

		env, err := wire.Decode(frame)
		if err != nil {
			ch.log.Debugw("bad frame", "err", err)
			continue
		}
		switch env.Event {
		case wire.EvPong:
			ch.health.observePong(env.Data)
			continue
		case wire.EvSuperseded:
			// Another session took over; reconnecting would only fight
			// it. Treat as a voluntary close, but still tell the app.
			ch.mu.Lock()
			ch.voluntary = true
			ch.mu.Unlock()
		}

		// Transport-level redelivery guard: events carrying a stable
		// identity pass the client dedup cache before handlers run.
		if fp := eventFingerprint(env); fp != "" && !ch.mgr.dedup.ShouldProcess(ch.name+":"+fp) {
			ch.log.Debugw("duplicate event suppressed", "event", env.Event)
			continue
		}
		ch.dispatchEvent(env)
	}
	conn.Close()

	ch.mu.Lock()
	if ch.gen != gen {
		// A newer connection already replaced this one.
		ch.mu.Unlock()
		return
	}
	ch.gen++ // retire this connection's monitor timers
	ch.conn = nil
	if ch.voluntary {
		ch.state = StateDisconnected
		ch.mu.Unlock()
		ch.health.offline()
		return
	}
	ch.state = StateReconnecting
	cancel := make(chan struct{})
	ch.retryCancel = cancel
	ch.mu.Unlock()

	ch.health.offline()
	ch.log.Infow("connection lost, reconnecting")
	go ch.reconnectLoop(cancel)
}

func (ch *Channel) dispatchEvent(env wire.Envelope) {
	ch.mu.Lock()
	regs := append([]handlerReg(nil), ch.handlers[env.Event]...)
	ch.mu.Unlock()
	for _, r := range regs {
		r.h(env.Event, env.Data)
	}
}

// eventFingerprint extracts the dedup identity of an inbound event. Typing
// indicators and read receipts are deliberately left out: duplicating them
// is harmless and they carry no stable identity.
func eventFingerprint(env wire.Envelope) string {
	switch env.Event {
	case wire.EvNewMessage:
		m := wire.MessageOut{}
		if json.Unmarshal(env.Data, &m) == nil {
			return m.Fingerprint
		}
	case wire.EvNotification:
		n := wire.Notification{}
		if json.Unmarshal(env.Data, &n) == nil && n.ID != "" {
			return "notification:" + n.ID
		}
	}
	return ""
}
