package client

import "sync"

// offlineQueue buffers encoded frames while a channel has no live socket.
// Bounded: once full the oldest entry is dropped. Drained FIFO on flush.
type offlineQueue struct {
	mu      sync.Mutex
	max     int
	frames  [][]byte
	dropped int
}

func newOfflineQueue(max int) *offlineQueue {
	return &offlineQueue{max: max}
}

func (q *offlineQueue) push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.max {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)
}

// drain returns the queued frames in arrival order and empties the queue.
func (q *offlineQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
