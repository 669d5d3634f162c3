// ABOUTME: Bounded ring buffer retaining the tail of the agent's stderr
// ABOUTME: Written by the drain goroutine, read on failure for diagnostics

package agentrpc

import "sync"

// ringBuffer keeps the last max bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.max {
		r.data = append(r.data[:0], p[len(p)-r.max:]...)
		return
	}
	r.data = append(r.data, p...)
	if over := len(r.data) - r.max; over > 0 {
		r.data = r.data[over:]
	}
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}
