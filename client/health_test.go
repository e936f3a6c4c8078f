package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumlink/realtime/wire"
)

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		avg  time.Duration
		want Quality
	}{
		{10 * time.Millisecond, QualityExcellent},
		{99 * time.Millisecond, QualityExcellent},
		{100 * time.Millisecond, QualityGood},
		{249 * time.Millisecond, QualityGood},
		{250 * time.Millisecond, QualityFair},
		{599 * time.Millisecond, QualityFair},
		{600 * time.Millisecond, QualityPoor},
		{5 * time.Second, QualityPoor},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classify(c.avg), "avg=%s", c.avg)
	}
}

func TestQualityOrdering(t *testing.T) {
	assert.Greater(t, QualityExcellent, QualityGood)
	assert.Greater(t, QualityGood, QualityFair)
	assert.Greater(t, QualityFair, QualityPoor)
	assert.Greater(t, QualityPoor, QualityOffline)
}

func pongFrame(t *testing.T, nonce string) json.RawMessage {
	t.Helper()
	d, err := json.Marshal(wire.PingPayload{Nonce: nonce, SentAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	return d
}

func monitorForTest(onChange func(string, Quality)) *healthMonitor {
	cfg := Config{}.withDefaults()
	return newHealthMonitor("realtime", cfg, onChange)
}

// fakeSample injects a probe with a back-dated send time so the observed
// round trip is deterministic enough to land in a known tier.
func fakeSample(h *healthMonitor, t *testing.T, nonce string, rtt time.Duration) {
	t.Helper()
	h.mu.Lock()
	h.pending[nonce] = time.Now().Add(-rtt)
	h.mu.Unlock()
	h.observePong(pongFrame(t, nonce))
}

func TestMonitorNotifiesOnlyOnTierChange(t *testing.T) {
	var fired []Quality
	h := monitorForTest(func(_ string, q Quality) { fired = append(fired, q) })

	require.Equal(t, QualityOffline, h.Quality())

	fakeSample(h, t, "n1", 20*time.Millisecond)
	require.Equal(t, QualityExcellent, h.Quality())

	// Similar latency, same tier: no second notification.
	fakeSample(h, t, "n2", 25*time.Millisecond)
	fakeSample(h, t, "n3", 30*time.Millisecond)

	// One slow sample drags the 3-sample average past the fair boundary.
	fakeSample(h, t, "n4", 1500*time.Millisecond)

	h.offline()

	require.Len(t, fired, 3)
	assert.Equal(t, QualityExcellent, fired[0])
	assert.Equal(t, QualityFair, fired[1])
	assert.Equal(t, QualityOffline, fired[2])
}

func TestMonitorIgnoresUnknownPong(t *testing.T) {
	fired := 0
	h := monitorForTest(func(string, Quality) { fired++ })

	h.observePong(pongFrame(t, "never-sent"))
	assert.Equal(t, QualityOffline, h.Quality())
	assert.Zero(t, fired)
}

func TestMonitorRingBufferAveragesLastN(t *testing.T) {
	h := monitorForTest(nil)

	// Fill the ring with slow samples, then overwrite with fast ones; only
	// the retained window counts.
	for i := 0; i < h.size; i++ {
		fakeSample(h, t, "slow"+string(rune('a'+i)), 700*time.Millisecond)
	}
	require.Equal(t, QualityPoor, h.Quality())

	for i := 0; i < h.size; i++ {
		fakeSample(h, t, "fast"+string(rune('a'+i)), 10*time.Millisecond)
	}
	assert.Equal(t, QualityExcellent, h.Quality())
}

func TestMonitorOfflineResetsSamples(t *testing.T) {
	h := monitorForTest(nil)
	fakeSample(h, t, "n1", 20*time.Millisecond)
	require.Equal(t, QualityExcellent, h.Quality())

	h.offline()
	assert.Equal(t, QualityOffline, h.Quality())
	assert.Zero(t, h.filled)
}
