package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientDedupSuppressesWithinTTL(t *testing.T) {
	c := newDedupCache(time.Minute)

	assert.True(t, c.ShouldProcess("dm:fp-1"))
	assert.False(t, c.ShouldProcess("dm:fp-1"))
	assert.True(t, c.ShouldProcess("realtime:fp-1"), "keys are channel-scoped")
}

func TestClientDedupExpires(t *testing.T) {
	c := newDedupCache(30 * time.Millisecond)

	assert.True(t, c.ShouldProcess("fp"))
	assert.False(t, c.ShouldProcess("fp"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.ShouldProcess("fp"))
}

func TestClientDedupOpportunisticPrune(t *testing.T) {
	c := newDedupCache(time.Millisecond)

	for i := 0; i < 999; i++ {
		c.ShouldProcess(fmt.Sprintf("old-%d", i))
	}
	time.Sleep(5 * time.Millisecond)

	// The 1000th call triggers the prune pass, which drops the expired
	// entries before recording the new one.
	for i := 0; i < 600; i++ {
		c.ShouldProcess(fmt.Sprintf("new-%d", i))
	}
	assert.LessOrEqual(t, c.len(), 600)
}
