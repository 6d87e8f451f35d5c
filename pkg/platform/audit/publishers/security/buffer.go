package security

import (
	"sync"

	audit "anchorid/pkg/platform/audit"
)

// ringBuffer holds pending security events. When full the oldest event is overwritten.
type ringBuffer struct {
	mu      sync.Mutex
	events  []audit.SecurityEvent
	head    int
	tail    int
	count   int
	dropped int64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &ringBuffer{events: make([]audit.SecurityEvent, capacity)}
}

func (b *ringBuffer) enqueue(event audit.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.events) {
		b.tail = (b.tail + 1) % len(b.events)
		b.count--
		b.dropped++
	}
	b.events[b.head] = event
	b.head = (b.head + 1) % len(b.events)
	b.count++
}

func (b *ringBuffer) dequeueBatch(n int) []audit.SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	if n == 0 {
		return nil
	}
	out := make([]audit.SecurityEvent, n)
	for i := range out {
		out[i] = b.events[b.tail]
		b.tail = (b.tail + 1) % len(b.events)
	}
	b.count -= n
	return out
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ringBuffer) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
