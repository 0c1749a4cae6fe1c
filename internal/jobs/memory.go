package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"optiq/internal/model"
)

// Memory is a simple in-memory store used when no database URL is set.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*model.Job
	jobIDs []string // insertion order, backs cursor pagination
	subs   []model.Subscription
	// Callback queue state
	deliveries  map[string]*Delivery
	deliveryIDs []string
	dlq         map[string]*Delivery
	dlqIDs      []string
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       map[string]*model.Job{},
		deliveries: map[string]*Delivery{},
		dlq:        map[string]*Delivery{},
	}
}

func (m *Memory) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = model.JobCreated
	}
	m.jobs[cp.ID] = &cp
	m.jobIDs = append(m.jobIDs, cp.ID)
	out := cp
	return &out, nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *j
	return &out, nil
}

func (m *Memory) ListJobs(ctx context.Context, status model.JobStatus, cursor string, limit int) ([]*model.Job, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, id := range m.jobIDs {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []*model.Job{}
	var last string
	for i := start; i < len(m.jobIDs) && len(out) < limit; i++ {
		j := m.jobs[m.jobIDs[i]]
		if status == "" || j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
		last = m.jobIDs[i]
	}
	if len(out) < limit {
		last = ""
	}
	return out, last, nil
}

func (m *Memory) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != from {
		return nil, ErrConflict
	}
	stamp(j, to)
	out := *j
	return &out, nil
}

func (m *Memory) CompleteJob(ctx context.Context, id string, to model.JobStatus, sol *model.Solution, exp *model.Explanation, jobErr *model.JobError) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != model.JobRunning {
		return nil, ErrConflict
	}
	j.Solution = sol
	j.Explanation = exp
	j.Error = jobErr
	stamp(j, to)
	out := *j
	return &out, nil
}

func (m *Memory) CancelJob(ctx context.Context, id string) (*model.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if j.Status.Terminal() {
		out := *j
		return &out, false, nil
	}
	stamp(j, model.JobCancelled)
	out := *j
	return &out, true, nil
}

func (m *Memory) SaveProgress(ctx context.Context, id string, progress model.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	cp := progress
	j.Progress = &cp
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// stamp sets the status and the timestamps the edge implies. Caller holds mu.
func stamp(j *model.Job, to model.JobStatus) {
	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now
	if to == model.JobRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.Terminal() && j.FinishedAt == nil {
		t := now
		j.FinishedAt = &t
	}
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i := range m.subs {
			if m.subs[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	end := start + limit
	if end > len(m.subs) {
		end = len(m.subs)
	}
	items := append([]model.Subscription(nil), m.subs[start:end]...)
	next := ""
	if end < len(m.subs) {
		next = m.subs[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	found := false
	for _, s := range m.subs {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs = out
	return nil
}

// Callback deliveries

func (m *Memory) EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &Delivery{
		ID:             id,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		URL:            url,
		Secret:         secret,
		Payload:        payload,
		Status:         DeliveryPending,
		NextAttemptAt:  time.Now(),
	}
	m.deliveries[id] = d
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []Delivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	if success {
		d.Status = DeliveryDelivered
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(1 * time.Minute)
	}
	return nil
}

func (m *Memory) FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	cp := *d
	m.dlq[id] = &cp
	m.dlqIDs = append(m.dlqIDs, id)
	return nil
}

func (m *Memory) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return scanDeliveries(m.deliveries, m.deliveryIDs, status, cursor, limit)
}

func (m *Memory) ListDeadLetters(ctx context.Context, cursor string, limit int) ([]Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return scanDeliveries(m.dlq, m.dlqIDs, "", cursor, limit)
}

func (m *Memory) RequeueDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dlq[id]
	if !ok {
		return ErrNotFound
	}
	live := m.deliveries[id]
	if live == nil {
		cp := *d
		live = &cp
		m.deliveries[id] = live
		m.deliveryIDs = append(m.deliveryIDs, id)
	}
	live.Status = DeliveryPending
	live.NextAttemptAt = time.Now()
	delete(m.dlq, id)
	out := make([]string, 0, len(m.dlqIDs))
	for _, v := range m.dlqIDs {
		if v != id {
			out = append(out, v)
		}
	}
	m.dlqIDs = out
	return nil
}

func scanDeliveries(byID map[string]*Delivery, ids []string, status, cursor string, limit int) ([]Delivery, string, error) {
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []Delivery{}
	var last string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		d := byID[ids[i]]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			out = append(out, *d)
		}
		last = ids[i]
	}
	if len(out) < limit {
		last = ""
	}
	return out, last, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
