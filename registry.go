package main

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alumlink/realtime/wire"
)

// transport is the registry's view of one socket: non-blocking enqueue plus
// an idempotent shutdown.
type transport interface {
	Enqueue(frame []byte) bool
	Shutdown()
}

// Session is the live binding between an authenticated identity and one
// transport on one channel.
type Session struct {
	Identity string
	Channel  string

	tr          transport
	ConnectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// Send marshals an event frame onto the session's transport. A full send
// queue drops the frame rather than blocking the caller.
func (s *Session) Send(event string, payload any) bool {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		zap.S().Errorw("encode frame", "event", event, "err", err)
		return false
	}
	if !s.tr.Enqueue(frame) {
		framesDropped.Inc()
		return false
	}
	return true
}

// Touch records inbound activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivityAt returns the time of the most recent inbound frame.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Registry maps (identity, channel) to at most one live session. It owns its
// own lock; nothing else mutates the maps.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // channel -> identity -> session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]*Session)}
}

// Register installs a session for (identity, channel). An existing session
// for the same pair is replaced atomically, then told it was superseded and
// shut down; its write pump drains the signal before the close frame.
func (r *Registry) Register(identity, channel string, tr transport) *Session {
	now := time.Now()
	s := &Session{
		Identity:     identity,
		Channel:      channel,
		tr:           tr,
		ConnectedAt:  now,
		lastActivity: now,
	}

	r.mu.Lock()
	byIdentity, ok := r.sessions[channel]
	if !ok {
		byIdentity = make(map[string]*Session)
		r.sessions[channel] = byIdentity
	}
	prior := byIdentity[identity]
	byIdentity[identity] = s
	r.mu.Unlock()

	if prior != nil {
		zap.S().Infow("session superseded", "identity", identity, "channel", channel)
		prior.Send(wire.EvSuperseded, wire.ErrorPayload{Reason: "session superseded by a newer connection"})
		prior.tr.Shutdown()
	} else {
		sessionsGauge.WithLabelValues(channel).Inc()
	}
	return s
}

// Lookup returns the live session for (identity, channel) if any.
func (r *Registry) Lookup(identity, channel string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channel][identity]
	return s, ok
}

// Evict removes s if it is still the registered session for its pair. A
// superseded session cannot evict its successor. Reports whether s was
// removed.
func (r *Registry) Evict(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byIdentity, ok := r.sessions[s.Channel]
	if !ok || byIdentity[s.Identity] != s {
		return false
	}
	delete(byIdentity, s.Identity)
	if len(byIdentity) == 0 {
		delete(r.sessions, s.Channel)
	}
	sessionsGauge.WithLabelValues(s.Channel).Dec()
	return true
}

// Online reports whether the identity has a session on any channel.
func (r *Registry) Online(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, byIdentity := range r.sessions {
		if _, ok := byIdentity[identity]; ok {
			return true
		}
	}
	return false
}

// Sessions returns a snapshot of the live sessions on a channel.
func (r *Registry) Sessions(channel string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions[channel]))
	for _, s := range r.sessions[channel] {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions on a channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[channel])
}
