package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alumlink/realtime/wire"
)

// Node ties the shared components together and interprets frames. Each
// component guards its own state; the node holds no lock of its own.
type Node struct {
	cfg *Config

	reg      *Registry
	dedup    *DedupCache
	limiter  *RateLimiter
	presence *Presence
	dispatch *Dispatcher
	verifier TokenVerifier
	store    MessageStore
	cluster  *Cluster

	channels map[string]struct{}

	cid      atomic.Int64
	upgrader websocket.Upgrader
}

func newNode(cfg *Config, store MessageStore, verifier TokenVerifier) *Node {
	n := &Node{
		cfg:      cfg,
		reg:      NewRegistry(),
		dedup:    NewDedupCache(cfg.Dedup.TTL, cfg.Dedup.Sweep, cfg.Dedup.MaxEntries),
		limiter:  NewRateLimiter(cfg.Rate.Window, cfg.Rate.Threshold),
		verifier: verifier,
		store:    store,
		channels: make(map[string]struct{}),
	}
	for _, ch := range cfg.Channels {
		n.channels[ch] = struct{}{}
	}
	n.presence = NewPresence(n.reg, cfg.PresenceChannel)
	n.dispatch = NewDispatcher(n.reg, n.dedup, n.limiter, store)

	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Socket.ReadBufferSize,
		WriteBufferSize: cfg.Socket.WriteBufferSize,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	if cfg.Redis.Enable {
		cl, err := newCluster(cfg.Redis, n)
		if err != nil {
			zap.S().Fatalw("redis", "err", err)
		}
		n.cluster = cl
		n.dispatch.publish = cl.PublishMessage
		n.presence.publish = cl.PublishPresence
		zap.S().Infow("cluster enabled", "node", cfg.Redis.Name, "channel", cfg.Redis.Channel)
	}

	return n
}

// Close tears the background components down.
func (n *Node) Close() {
	n.dedup.Stop()
	n.limiter.Stop()
	if n.cluster != nil {
		n.cluster.Close()
	}
}

// serveWS upgrades a request on one configured channel and starts the pumps.
func (n *Node) serveWS(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := n.upgrader.Upgrade(w, r, nil)
		if err != nil {
			zap.S().Debugw("upgrade", "err", err)
			return
		}
		cid := n.cid.Add(1)
		c := &connection{
			node:    n,
			cid:     cid,
			channel: channel,
			conn:    conn,
			send:    make(chan []byte, n.cfg.Socket.SendQueueSize),
			done:    make(chan struct{}),
			log:     zap.S().With("cid", cid, "channel", channel),
		}
		if n.cfg.Socket.Compression {
			c.conn.EnableWriteCompression(true)
			c.conn.SetCompressionLevel(n.cfg.Socket.CompressionLevel)
		}
		go c.writePump()
		go c.readPump()
	}
}

// dropConnection runs when a read pump exits for any reason. Eviction is
// identity-checked so a superseded connection cannot release its successor's
// rate window or presence.
func (n *Node) dropConnection(c *connection) {
	c.Shutdown()
	if c.session == nil {
		return
	}
	if n.reg.Evict(c.session) {
		n.limiter.Reset(c.session.Identity)
		n.presence.SessionDown(c.session.Identity)
		c.log.Infow("session closed", "identity", c.session.Identity)
	}
}

// handleFrame interprets one inbound frame. The first frame on every
// connection must be the authenticate handshake; anything else is rejected
// and the socket closed.
func (n *Node) handleFrame(c *connection, frame []byte) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorw("handler panic", "err", err)
			c.sendEvent(wire.EvMessageError, wire.ErrorPayload{Reason: "internal error"})
		}
	}()

	env, err := wire.Decode(frame)
	if err != nil {
		c.log.Debugw("bad frame", "err", err)
		return
	}

	if c.session == nil {
		n.handleAuth(c, env)
		return
	}
	c.session.Touch()

	switch env.Event {
	case wire.EvPing:
		// Echo the probe payload so the client can measure the round trip.
		c.Enqueue(mustFrame(wire.EvPong, json.RawMessage(env.Data)))
	case wire.EvNewMessage:
		in := wire.MessageIn{}
		if err := json.Unmarshal(env.Data, &in); err != nil {
			c.sendEvent(wire.EvMessageError, wire.ErrorPayload{Reason: "malformed message payload"})
			return
		}
		n.dispatch.Publish(context.Background(), c.session, in)
	case wire.EvTypingStart, wire.EvTypingStop:
		t := wire.Typing{}
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return
		}
		n.dispatch.Typing(c.session, t.ReceiverID, env.Event == wire.EvTypingStart)
	case wire.EvMessageRead:
		mr := wire.MessageRead{}
		if err := json.Unmarshal(env.Data, &mr); err != nil {
			return
		}
		n.dispatch.MarkRead(context.Background(), c.session, mr.MessageID)
	default:
		c.log.Debugw("unknown event", "event", env.Event)
		c.sendEvent(wire.EvMessageError, wire.ErrorPayload{Reason: "unknown event: " + env.Event})
	}
}

// handleAuth runs the handshake state machine: UNAUTHENTICATED moves to
// AUTHENTICATED on a valid token or to REJECTED (socket closed) otherwise.
func (n *Node) handleAuth(c *connection, env wire.Envelope) {
	if env.Event != wire.EvAuthenticate {
		c.sendEvent(wire.EvAuthError, wire.ErrorPayload{Reason: "authenticate first"})
		c.Shutdown()
		return
	}
	req := wire.AuthRequest{}
	if err := json.Unmarshal(env.Data, &req); err != nil || req.Identity == "" || req.Token == "" {
		c.sendEvent(wire.EvAuthError, wire.ErrorPayload{Reason: "identity and token are required"})
		c.Shutdown()
		return
	}
	subject, err := n.verifier.Verify(req.Token)
	if err != nil {
		c.log.Infow("auth rejected", "identity", req.Identity, "err", err)
		c.sendEvent(wire.EvAuthError, wire.ErrorPayload{Reason: err.Error()})
		c.Shutdown()
		return
	}
	if subject != req.Identity {
		c.sendEvent(wire.EvAuthError, wire.ErrorPayload{Reason: ErrIdentityMismatch.Error()})
		c.Shutdown()
		return
	}

	c.session = n.reg.Register(req.Identity, c.channel, c)
	c.log = c.log.With("identity", req.Identity)
	c.log.Infow("session open", "device", req.DeviceInfo)
	c.sendEvent(wire.EvAuthSuccess, wire.AuthSuccess{Identity: req.Identity, Channel: c.channel})
	n.presence.SessionUp(req.Identity)
}

func (c *connection) sendEvent(event string, payload any) {
	c.Enqueue(mustFrame(event, payload))
}

func mustFrame(event string, payload any) []byte {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		zap.S().Errorw("encode", "event", event, "err", err)
		return []byte(`{"t":"` + event + `"}`)
	}
	return frame
}
