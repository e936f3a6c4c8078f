// Package client is the Go transport manager for the realtime gateway: one
// authenticated websocket per logical channel, with reconnection, offline
// queueing, inbound dedup and connection-quality monitoring.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownChannel = errors.New("client: unknown channel")

// Handler receives one inbound event's raw payload.
type Handler func(event string, payload json.RawMessage)

type Config struct {
	// BaseURL is the gateway address, e.g. "ws://gateway:8080". Channel
	// sockets are opened at BaseURL/ws/<channel>.
	BaseURL  string
	Channels []string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	LatencyInterval   time.Duration
	LatencySamples    int

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int

	// QueueSize bounds the per-channel offline queue; the oldest entry is
	// dropped once full.
	QueueSize int

	// DedupTTL is the client-side suppression window for redelivered
	// events. Independent of the gateway's dedup TTL.
	DedupTTL time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if len(c.Channels) == 0 {
		c.Channels = []string{"realtime", "notifications", "dm"}
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.LatencyInterval == 0 {
		c.LatencyInterval = 10 * time.Second
	}
	if c.LatencySamples == 0 {
		c.LatencySamples = 5
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 10
	}
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Manager owns one Channel per configured namespace and exposes the
// publish/subscribe surface to the application.
type Manager struct {
	cfg   Config
	log   *zap.SugaredLogger
	dedup *dedupCache

	mu        sync.Mutex
	identity  string
	token     string
	channels  map[string]*Channel
	onQuality func(channel string, q Quality)
}

func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.Sugar(),
		dedup:    newDedupCache(cfg.DedupTTL),
		channels: make(map[string]*Channel),
	}
	for _, name := range cfg.Channels {
		m.channels[name] = newChannel(name, m)
	}
	return m
}

// ConnectAll establishes and authenticates every channel concurrently.
// All-or-nothing: any channel failing fails the call, but channels that did
// connect stay up so the caller can decide to retry.
func (m *Manager) ConnectAll(ctx context.Context, identity, token string) error {
	m.mu.Lock()
	m.identity, m.token = identity, token
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	errs := make([]error, len(chans))
	var wg sync.WaitGroup
	for i, ch := range chans {
		if ch.State() == StateConnected {
			continue
		}
		wg.Add(1)
		go func(i int, ch *Channel) {
			defer wg.Done()
			if err := ch.connect(ctx, false); err != nil {
				errs[i] = fmt.Errorf("channel %s: %w", ch.name, err)
			}
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Disconnect closes every channel voluntarily: no reconnection, pending
// retry timers cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		ch.disconnect()
	}
}

// On registers a handler for an event on a channel and returns an id for
// Off. Multiple independent handlers per event are supported.
func (m *Manager) On(channel, event string, h Handler) (int, error) {
	ch, err := m.channel(channel)
	if err != nil {
		return 0, err
	}
	return ch.on(event, h), nil
}

// Off removes a handler registered by On.
func (m *Manager) Off(channel, event string, id int) error {
	ch, err := m.channel(channel)
	if err != nil {
		return err
	}
	ch.off(event, id)
	return nil
}

// Emit publishes an event on a channel. While the channel is disconnected
// the event is queued (bounded, drop-oldest) and flushed in order after the
// next successful authentication.
func (m *Manager) Emit(channel, event string, payload any) error {
	ch, err := m.channel(channel)
	if err != nil {
		return err
	}
	return ch.emit(event, payload)
}

// State returns the connection state of a channel.
func (m *Manager) State(channel string) (State, error) {
	ch, err := m.channel(channel)
	if err != nil {
		return StateDisconnected, err
	}
	return ch.State(), nil
}

// Quality returns the current connection-quality tier of a channel.
func (m *Manager) Quality(channel string) (Quality, error) {
	ch, err := m.channel(channel)
	if err != nil {
		return QualityOffline, err
	}
	return ch.health.Quality(), nil
}

// OnQualityChange installs the listener invoked when a channel's quality
// tier changes. Only tier boundary crossings fire it.
func (m *Manager) OnQualityChange(fn func(channel string, q Quality)) {
	m.mu.Lock()
	m.onQuality = fn
	m.mu.Unlock()
}

func (m *Manager) qualityChanged(channel string, q Quality) {
	m.mu.Lock()
	fn := m.onQuality
	m.mu.Unlock()
	if fn != nil {
		fn(channel, q)
	}
}

func (m *Manager) credentials() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.token
}

func (m *Manager) channel(name string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}
