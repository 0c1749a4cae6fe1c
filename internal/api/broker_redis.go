package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// EventBroker distributes job events to live listeners. The in-memory
// broker serves a single process; the Redis broker spans replicas.
type EventBroker interface {
	Subscribe(jobID string) chan Event
	Unsubscribe(jobID string, ch chan Event)
	Publish(jobID string, evt Event)
}

// RedisBroker implements EventBroker over Redis Pub/Sub so that an event
// published by one replica reaches streams held open by another.
type RedisBroker struct {
	rdb *redis.Client

	mu  sync.Mutex
	sub map[chan Event]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt), sub: map[chan Event]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(jobID))
	_, _ = ps.Receive(ctx) // confirm subscription before returning
	b.mu.Lock()
	b.sub[ch] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
		close(ch)
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	ps := b.sub[ch]
	delete(b.sub, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close() // ends the fanout goroutine, which closes ch
	}
}

func (b *RedisBroker) Publish(jobID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(jobID), data).Err()
}

func (b *RedisBroker) chanName(jobID string) string { return "job:" + jobID }
