package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"optiq/internal/jobs"
	"optiq/internal/metrics"
)

// Worker drains the delivery queue: due deliveries are POSTed with a signed
// payload, failures are retried with exponential backoff until MaxAttempts,
// then dead-lettered.
type Worker struct {
	Store       jobs.Store
	HTTP        *http.Client
	Log         *zap.Logger
	MaxAttempts int

	stop chan struct{}
	done chan struct{}
}

func NewWorker(s jobs.Store) *Worker {
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: 10,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (w *Worker) Start() {
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Close stops the loop. Only valid after Start.
func (w *Worker) Close() {
	close(w.stop)
	<-w.done
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueDeliveries(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, d jobs.Delivery) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		_ = w.Store.FailDelivery(ctx, d.ID, err.Error(), 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	if d.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(d.Secret, d.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	took := time.Since(start)
	code := 0
	success := false
	if err == nil && resp != nil {
		code = resp.StatusCode
		if resp.Body != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		success = code >= 200 && code < 300
	}
	metrics.ObserveCallback(d.EventType, success, took)
	if success {
		_ = w.Store.MarkDelivery(ctx, d.ID, true, nil, "", code)
		return
	}
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	if d.Attempts+1 >= w.MaxAttempts {
		w.Log.Warn("callback dead-lettered",
			zap.String("delivery", d.ID),
			zap.String("url", d.URL),
			zap.Int("attempts", d.Attempts+1),
			zap.Int("code", code))
		_ = w.Store.FailDelivery(ctx, d.ID, lastErr, code)
		return
	}
	next := time.Now().Add(nextBackoff(d.Attempts))
	_ = w.Store.MarkDelivery(ctx, d.ID, false, &next, lastErr, code)
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
