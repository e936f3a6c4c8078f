package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alumlink/realtime/wire"
)

// Quality is the ordered connection-quality tier of a channel.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "offline"
	}
}

// Fixed latency thresholds for tier classification.
const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 250 * time.Millisecond
	fairBelow      = 600 * time.Millisecond
)

// classify maps an average round-trip latency to a tier.
func classify(avg time.Duration) Quality {
	switch {
	case avg < excellentBelow:
		return QualityExcellent
	case avg < goodBelow:
		return QualityGood
	case avg < fairBelow:
		return QualityFair
	default:
		return QualityPoor
	}
}

// healthMonitor keeps one channel alive (transport pings) and samples its
// round-trip latency (application ping/pong), classifying the average of the
// last N samples into tiers. Listeners hear only tier changes.
type healthMonitor struct {
	channel   string
	heartbeat time.Duration
	probe     time.Duration
	size      int
	onChange  func(channel string, q Quality)

	mu      sync.Mutex
	active  bool
	samples []time.Duration
	idx     int
	filled  int
	pending map[string]time.Time
	quality Quality
}

func newHealthMonitor(channel string, cfg Config, onChange func(string, Quality)) *healthMonitor {
	return &healthMonitor{
		channel:   channel,
		heartbeat: cfg.HeartbeatInterval,
		probe:     cfg.LatencyInterval,
		size:      cfg.LatencySamples,
		onChange:  onChange,
		samples:   make([]time.Duration, cfg.LatencySamples),
		pending:   make(map[string]time.Time),
		quality:   QualityOffline,
	}
}

// start launches the heartbeat and probe timers for one connection
// generation. The loop exits once the channel has moved on to a newer
// generation or the socket is gone.
func (h *healthMonitor) start(ch *Channel, conn *websocket.Conn, gen int) {
	h.mu.Lock()
	h.active = true
	h.mu.Unlock()
	go func() {
		beat := time.NewTicker(h.heartbeat)
		probe := time.NewTicker(h.probe)
		defer beat.Stop()
		defer probe.Stop()
		for {
			select {
			case <-beat.C:
				if ch.generation() != gen {
					return
				}
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(channelWriteWait))
			case <-probe.C:
				if ch.generation() != gen {
					return
				}
				h.sendProbe(ch, conn)
			}
		}
	}()
}

func (h *healthMonitor) sendProbe(ch *Channel, conn *websocket.Conn) {
	now := time.Now()
	nonce := uuid.NewString()

	h.mu.Lock()
	if !h.active {
		// A disconnect raced the probe tick; nothing to measure anymore.
		h.mu.Unlock()
		return
	}
	h.pending[nonce] = now
	// Forget probes whose pong never came back.
	for n, t := range h.pending {
		if now.Sub(t) > 2*h.probe {
			delete(h.pending, n)
		}
	}
	h.mu.Unlock()

	frame, err := wire.Encode(wire.EvPing, wire.PingPayload{Nonce: nonce, SentAt: now.UnixMilli()})
	if err != nil {
		return
	}
	ch.write(conn, frame)
}

// observePong matches a pong to its probe, records the round trip and
// re-classifies. The listener fires only when the tier changed.
func (h *healthMonitor) observePong(data json.RawMessage) {
	p := wire.PingPayload{}
	if json.Unmarshal(data, &p) != nil || p.Nonce == "" {
		return
	}
	now := time.Now()

	h.mu.Lock()
	sent, ok := h.pending[p.Nonce]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, p.Nonce)
	h.record(now.Sub(sent))
	next := classify(h.average())
	changed := next != h.quality
	h.quality = next
	h.mu.Unlock()

	if changed && h.onChange != nil {
		h.onChange(h.channel, next)
	}
}

// offline resets the samples and drops the tier to offline, notifying once.
func (h *healthMonitor) offline() {
	h.mu.Lock()
	h.active = false
	h.idx, h.filled = 0, 0
	h.pending = make(map[string]time.Time)
	changed := h.quality != QualityOffline
	h.quality = QualityOffline
	h.mu.Unlock()

	if changed && h.onChange != nil {
		h.onChange(h.channel, QualityOffline)
	}
}

func (h *healthMonitor) Quality() Quality {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quality
}

// record appends one sample to the ring buffer. Callers hold the lock.
func (h *healthMonitor) record(rtt time.Duration) {
	h.samples[h.idx] = rtt
	h.idx = (h.idx + 1) % h.size
	if h.filled < h.size {
		h.filled++
	}
}

// average of the filled samples. Callers hold the lock.
func (h *healthMonitor) average() time.Duration {
	if h.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < h.filled; i++ {
		sum += h.samples[i]
	}
	return sum / time.Duration(h.filled)
}
