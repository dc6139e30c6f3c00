package eventbus

import (
	"sync"
)

// MemoryBus is an in-process Bus used when the broker is disabled and in
// tests. Delivery is synchronous and at-most-once, matching the broker
// contract minus the network.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Handler // subject -> handle ID -> handler
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[string]Handler)}
}

func (b *MemoryBus) Subscribe(subject, streamID string, handler Handler) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]Handler)
	}

	var h *Handle
	h = newHandle(subject, streamID, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[subject], h.ID)
		if len(b.subs[subject]) == 0 {
			delete(b.subs, subject)
		}
	})
	b.subs[subject][h.ID] = handler
	return h, nil
}

func (b *MemoryBus) Unsubscribe(h *Handle) {
	if h == nil || h.release == nil {
		return
	}
	h.release()
	h.release = nil
}

func (b *MemoryBus) Publish(subject string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrUnavailable
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(subject, payload)
	}
	return nil
}

func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[string]Handler)
}

// SubscriptionCount reports live subscriptions for subject. Test helper.
func (b *MemoryBus) SubscriptionCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}
