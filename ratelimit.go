package main

import (
	"sync"
	"time"
)

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter enforces a fixed window per identity: at most threshold
// publishes per window, counter reset at rollover. Identities are
// independent; one identity never throttles another.
type RateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	windows   map[string]*rateWindow

	done chan struct{}
	once sync.Once
}

func NewRateLimiter(window time.Duration, threshold int) *RateLimiter {
	l := &RateLimiter{
		window:    window,
		threshold: threshold,
		windows:   make(map[string]*rateWindow),
		done:      make(chan struct{}),
	}
	go l.run()
	return l
}

// TryConsume counts one publish attempt for identity and reports whether it
// is within the window's budget.
func (l *RateLimiter) TryConsume(identity string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[identity] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.threshold {
		return false
	}
	w.count++
	return true
}

// Reset drops the identity's window, releasing its state on disconnect.
func (l *RateLimiter) Reset(identity string) {
	l.mu.Lock()
	delete(l.windows, identity)
	l.mu.Unlock()
}

// run sweeps windows idle for several rollovers so disconnected identities
// do not accumulate.
func (l *RateLimiter) run() {
	t := time.NewTicker(l.window)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			l.mu.Lock()
			for identity, w := range l.windows {
				if now.Sub(w.start) > 5*l.window {
					delete(l.windows, identity)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

func (l *RateLimiter) Stop() {
	l.once.Do(func() { close(l.done) })
}
