package tabcoord

import (
	"context"
	"sync"
)

// MemChannel is an in-process fake Channel for tests, satisfying §9's
// "every property in §8 must be exercisable against an in-memory
// backend." Multiple MemChannel handles sharing the same *hub behave
// as multiple tabs on one origin.
type MemChannel struct {
	hub *memHub
}

type memHub struct {
	mu   sync.Mutex
	subs map[string][]func(Message)
}

// NewMemHub creates a shared broadcast hub. Call NewChannel per
// simulated tab against the same hub.
func NewMemHub() *memHub {
	return &memHub{subs: make(map[string][]func(Message))}
}

// NewChannel returns a new tab-local view onto hub.
func NewChannel(hub *memHub) *MemChannel {
	return &MemChannel{hub: hub}
}

func (c *MemChannel) Send(ctx context.Context, msg Message) error {
	c.hub.mu.Lock()
	handlers := append([]func(Message){}, c.hub.subs[msg.DB]...)
	c.hub.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(msg)
		}
	}
	return nil
}

func (c *MemChannel) Subscribe(ctx context.Context, db string, handler func(Message)) (func(), error) {
	c.hub.mu.Lock()
	c.hub.subs[db] = append(c.hub.subs[db], handler)
	idx := len(c.hub.subs[db]) - 1
	c.hub.mu.Unlock()

	unsubscribe := func() {
		c.hub.mu.Lock()
		defer c.hub.mu.Unlock()
		handlers := c.hub.subs[db]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
	return unsubscribe, nil
}

func (c *MemChannel) Close() error { return nil }

var _ Channel = (*MemChannel)(nil)
