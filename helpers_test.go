package main

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/alumlink/realtime/wire"
)

// fakeTransport records frames and the shutdown point so tests can assert
// ordering between signals and the close.
type fakeTransport struct {
	mu            sync.Mutex
	frames        [][]byte
	shutdown      bool
	framesAtClose int
}

func (f *fakeTransport) Enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.shutdown {
		f.shutdown = true
		f.framesAtClose = len(f.frames)
	}
}

func (f *fakeTransport) isShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *fakeTransport) envelopes() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := wire.Decode(frame)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// events filters the recorded envelopes by event name.
func (f *fakeTransport) events(event string) []wire.Envelope {
	var out []wire.Envelope
	for _, env := range f.envelopes() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func decodeInto[T any](env wire.Envelope) T {
	var v T
	json.Unmarshal(env.Data, &v)
	return v
}

// memStore is an in-memory MessageStore for dispatcher and node tests.
type memStore struct {
	mu   sync.Mutex
	msgs []Message
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) Save(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.msgs = append(s.msgs, cp)
	return nil
}

func (s *memStore) Since(_ context.Context, receiverID string, since time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.ReceiverID == receiverID && m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, fingerprint, readerID string) (*Message, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.Fingerprint == fingerprint && m.ReceiverID == readerID {
			if m.ReadAt != nil {
				return m, *m.ReadAt, nil
			}
			now := time.Now()
			m.ReadAt = &now
			return m, now, nil
		}
	}
	return nil, time.Time{}, ErrMessageNotFound
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
