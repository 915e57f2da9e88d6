package dispatch

import (
	"sync"

	"edunotify/internal/platform"
)

// ackRegistry routes acknowledgments from the background context to the
// round trip waiting on the same tag. Acks nobody waits for are dropped.
type ackRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan platform.Ack
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{waiters: map[string]chan platform.Ack{}}
}

// register returns a channel that receives the first ack for tag and a
// release func that must be called once the caller stops waiting.
func (r *ackRegistry) register(tag string) (<-chan platform.Ack, func()) {
	ch := make(chan platform.Ack, 1)
	r.mu.Lock()
	r.waiters[tag] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		if cur, ok := r.waiters[tag]; ok && cur == ch {
			delete(r.waiters, tag)
		}
		r.mu.Unlock()
	}
}

func (r *ackRegistry) deliver(a platform.Ack) bool {
	r.mu.Lock()
	ch, ok := r.waiters[a.Tag]
	if ok {
		delete(r.waiters, a.Tag)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- a
	return true
}

func (r *ackRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
