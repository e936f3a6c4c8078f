package client

import (
	"context"
	"time"
)

// backoffDelay returns min(base * 2^(attempt-1), max). Attempts count from 1.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d < 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// reconnectLoop drives involuntary-disconnect recovery: wait out the
// backoff, re-run the full handshake with the held credentials, and either
// settle back into Connected or, after the attempt budget, park in Errored
// until the caller reconnects explicitly. The attempt counter resets by
// construction: a successful connect exits the loop and the next outage
// starts a fresh one.
func (ch *Channel) reconnectLoop(cancel chan struct{}) {
	cfg := ch.mgr.cfg
	defer ch.clearRetry(cancel)

	for attempt := 1; ; attempt++ {
		if cfg.ReconnectMaxAttempts > 0 && attempt > cfg.ReconnectMaxAttempts {
			ch.log.Warnw("reconnect attempts exhausted", "attempts", cfg.ReconnectMaxAttempts)
			ch.setState(StateErrored)
			return
		}

		delay := backoffDelay(cfg.ReconnectBase, cfg.ReconnectMax, attempt)
		select {
		case <-time.After(delay):
		case <-cancel:
			return
		}

		err := ch.connect(context.Background(), true)
		if err == nil {
			return
		}
		ch.log.Infow("reconnect failed", "attempt", attempt, "err", err)

		select {
		case <-cancel:
			return
		default:
		}
	}
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// clearRetry drops the cancel channel if it is still the active one, so a
// later disconnect does not close it twice.
func (ch *Channel) clearRetry(cancel chan struct{}) {
	ch.mu.Lock()
	if ch.retryCancel == cancel {
		ch.retryCancel = nil
	}
	ch.mu.Unlock()
}
