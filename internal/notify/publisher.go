package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"optiq/internal/jobs"
)

// Publisher turns job events into queued callback deliveries.
type Publisher struct {
	Store jobs.Store
}

func NewPublisher(s jobs.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit fans an event out to every subscription matching its type.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	body := envelope(eventType, data)
	for _, s := range subs {
		_, _ = p.Store.EnqueueDelivery(ctx, s.ID, eventType, s.URL, s.Secret, body)
	}
}

// EmitDirect queues a single delivery to an explicit endpoint, bypassing
// subscriptions. Used for the per-job callback URL.
func (p *Publisher) EmitDirect(ctx context.Context, eventType, url, secret string, data any) {
	_, _ = p.Store.EnqueueDelivery(ctx, "", eventType, url, secret, envelope(eventType, data))
}

func envelope(eventType string, data any) []byte {
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	return body
}
