package boundary

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub connects in-process workers. Messages for a rank that has not
// started yet are queued until it does.
type MemoryHub struct {
	mu       sync.Mutex
	handlers map[int]func(Message)
	pending  map[int][]Message
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		handlers: make(map[int]func(Message)),
		pending:  make(map[int][]Message),
	}
}

// Transport returns a new endpoint on the hub.
func (h *MemoryHub) Transport() Transport {
	return &memoryTransport{hub: h, rank: -1}
}

type memoryTransport struct {
	hub  *MemoryHub
	rank int
}

func (t *memoryTransport) Publish(ctx context.Context, toRank int, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.hub.mu.Lock()
	deliver, ok := t.hub.handlers[toRank]
	if !ok {
		t.hub.pending[toRank] = append(t.hub.pending[toRank], msg)
		t.hub.mu.Unlock()
		return nil
	}
	t.hub.mu.Unlock()
	deliver(msg)
	return nil
}

func (t *memoryTransport) Start(_ context.Context, rank int, deliver func(Message)) error {
	t.hub.mu.Lock()
	if _, taken := t.hub.handlers[rank]; taken {
		t.hub.mu.Unlock()
		return fmt.Errorf("rank %d already started on hub", rank)
	}
	t.rank = rank
	t.hub.handlers[rank] = deliver
	queued := t.hub.pending[rank]
	delete(t.hub.pending, rank)
	t.hub.mu.Unlock()

	for _, msg := range queued {
		deliver(msg)
	}
	return nil
}

func (t *memoryTransport) Close() error {
	if t.rank < 0 {
		return nil
	}
	t.hub.mu.Lock()
	delete(t.hub.handlers, t.rank)
	t.hub.mu.Unlock()
	t.rank = -1
	return nil
}
