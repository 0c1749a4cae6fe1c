package api

import (
	"sync"
)

// Event is one job lifecycle notification fanned out to live listeners
// (SSE streams, WebSocket subscriptions).
type Event struct {
	Type string
	Data map[string]any
}

// MemBroker fans events out in-process. Slow listeners drop events rather
// than block the publisher.
type MemBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // jobID -> set of channels
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *MemBroker) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = map[chan Event]struct{}{}
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemBroker) Unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	if m := b.subs[jobID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, jobID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *MemBroker) Publish(jobID string, evt Event) {
	b.mu.Lock()
	for ch := range b.subs[jobID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
