package main

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alumlink/realtime/wire"
)

// Presence tracks online/offline per identity, derived from session
// existence, and announces transitions to every live session on the presence
// channel. Only actual transitions are broadcast: a second channel coming up
// for an already-online identity is silent.
type Presence struct {
	reg     *Registry
	channel string
	log     *zap.SugaredLogger

	// publish, when set, forwards local transitions to the cluster.
	publish func(identity, status string)

	mu      sync.Mutex
	records map[string]*PresenceRecord
}

func NewPresence(reg *Registry, channel string) *Presence {
	return &Presence{
		reg:     reg,
		channel: channel,
		log:     zap.S().With("component", "presence"),
		records: make(map[string]*PresenceRecord),
	}
}

// SessionUp is called after a session registers. Broadcasts ONLINE on the
// OFFLINE->ONLINE transition.
func (p *Presence) SessionUp(identity string) {
	if p.transition(identity, wire.StatusOnline) {
		p.announce(identity, wire.StatusOnline, true)
	}
}

// SessionDown is called after a session is evicted. The identity goes
// OFFLINE only when its last session on any channel is gone.
func (p *Presence) SessionDown(identity string) {
	if p.reg.Online(identity) {
		return
	}
	if p.transition(identity, wire.StatusOffline) {
		p.announce(identity, wire.StatusOffline, true)
	}
}

// ApplyRemote records a transition observed on another node and fans it out
// locally without republishing.
func (p *Presence) ApplyRemote(identity, status string) {
	if p.transition(identity, status) {
		p.announce(identity, status, false)
	}
}

// Status returns the identity's presence record. Unknown identities are
// OFFLINE with a zero lastSeenAt.
func (p *Presence) Status(identity string) PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[identity]; ok {
		return *r
	}
	return PresenceRecord{Identity: identity, Status: wire.StatusOffline}
}

// transition mutates the record and reports whether the status changed.
func (p *Presence) transition(identity, status string) bool {
	now := time.Now().Unix()
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[identity]
	if !ok {
		p.records[identity] = &PresenceRecord{Identity: identity, Status: status, LastSeenAt: now}
		return status == wire.StatusOnline
	}
	r.LastSeenAt = now
	if r.Status == status {
		return false
	}
	r.Status = status
	return true
}

func (p *Presence) announce(identity, status string, local bool) {
	p.log.Infow("presence", "identity", identity, "status", status)
	for _, s := range p.reg.Sessions(p.channel) {
		if s.Identity == identity {
			continue
		}
		s.Send(wire.EvStatusChange, wire.StatusChange{Identity: identity, Status: status})
	}
	if local && p.publish != nil {
		p.publish(identity, status)
	}
}
