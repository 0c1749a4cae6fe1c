package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"optiq/internal/jobs"
	"optiq/internal/model"
)

type recordStore struct {
	*jobs.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
	rearm bool // force failed deliveries due again immediately
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

type failRec struct {
	ID      string
	Code    int
	LastErr string
}

func (r *recordStore) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	if !success && r.rearm {
		past := time.Now().Add(-time.Second)
		nextAttemptAt = &past
	}
	return r.Memory.MarkDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode)
}

func (r *recordStore) FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailDelivery(ctx, id, lastError, responseCode)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: jobs.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Log: zap.NewNop(), MaxAttempts: 3}
	id, err := rs.Memory.EnqueueDelivery(context.Background(), "", "job.solved", srv.URL, "secret", []byte(`{"jobId":"j1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != "job.solved" {
		t.Fatalf("missing event type header, got %q", gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature does not verify: sig=%q body=%s", gotSig, gotBody)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
	items, _, _ := rs.Memory.ListDeliveries(context.Background(), jobs.DeliveryDelivered, "", 10)
	if len(items) != 1 {
		t.Fatalf("expected delivered item, got %v", items)
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(500)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: jobs.NewMemory(), rearm: true}
	w := &Worker{Store: rs, HTTP: srv.Client(), Log: zap.NewNop(), MaxAttempts: 2}
	id, _ := rs.Memory.EnqueueDelivery(context.Background(), "", "job.error", srv.URL, "", []byte(`{}`))

	w.processOnce() // first attempt -> retry
	if len(rs.marks) != 1 || rs.marks[0].Success {
		t.Fatalf("expected one failed mark, got %+v", rs.marks)
	}
	w.processOnce() // second attempt -> dead letter
	if len(rs.fails) != 1 || rs.fails[0].ID != id {
		t.Fatalf("expected dead letter for %s, got %+v", id, rs.fails)
	}
	if hits != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", hits)
	}
	dead, _, _ := rs.Memory.ListDeadLetters(context.Background(), "", 10)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %v", dead)
	}
}

func TestPublisherEmitFansOutBySubscription(t *testing.T) {
	store := jobs.NewMemory()
	ctx := context.Background()
	solved, _ := store.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a", Events: []string{"job.solved"}})
	_, _ = store.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b", Events: []string{"job.error"}})

	p := NewPublisher(store)
	p.Emit(ctx, "job.solved", map[string]any{"jobId": "j1"})

	due, _ := store.FetchDueDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(due))
	}
	d := due[0]
	if d.SubscriptionID != solved.ID || d.URL != "http://a" {
		t.Fatalf("delivery routed to wrong subscription: %+v", d)
	}
	var env map[string]any
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	id, _ := env["id"].(string)
	ts, _ := env["ts"].(string)
	if env["type"] != "job.solved" || id == "" || ts == "" {
		t.Fatalf("bad envelope: %v", env)
	}
	data, ok := env["data"].(map[string]any)
	if !ok || data["jobId"] != "j1" {
		t.Fatalf("bad data block: %v", env["data"])
	}
}

func TestPublisherEmitDirect(t *testing.T) {
	store := jobs.NewMemory()
	ctx := context.Background()
	p := NewPublisher(store)
	p.EmitDirect(ctx, "job.solved", "http://cb.local/hook", "s3cr3t", map[string]any{"jobId": "j2"})

	due, _ := store.FetchDueDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(due))
	}
	if due[0].URL != "http://cb.local/hook" || due[0].SubscriptionID != "" || due[0].Secret != "s3cr3t" {
		t.Fatalf("direct delivery misrouted: %+v", due[0])
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := SignHMAC("k", body)
	if !VerifyHMAC("k", body, sig) {
		t.Fatalf("signature must verify")
	}
	if VerifyHMAC("k", []byte(`{"x":2}`), sig) {
		t.Fatalf("tampered body must not verify")
	}
	if VerifyHMAC("other", body, sig) {
		t.Fatalf("wrong secret must not verify")
	}
}
