package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"optiq/internal/model"
)

func newJob(t *testing.T, m *Memory) *model.Job {
	t.Helper()
	job, err := m.CreateJob(context.Background(), &model.Job{Problem: &model.Problem{}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestMemoryJobLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newJob(t, m)
	if job.Status != model.JobCreated {
		t.Fatalf("want CREATED, got %s", job.Status)
	}
	if job.ID == "" || job.CreatedAt.IsZero() {
		t.Fatalf("id and createdAt must be set: %+v", job)
	}

	job, err := m.TransitionJob(ctx, job.ID, model.JobCreated, model.JobQueued)
	if err != nil {
		t.Fatalf("to QUEUED: %v", err)
	}
	job, err = m.TransitionJob(ctx, job.ID, model.JobQueued, model.JobRunning)
	if err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatalf("RUNNING must stamp startedAt")
	}

	sol := &model.Solution{Seed: 7}
	job, err = m.CompleteJob(ctx, job.ID, model.JobSolved, sol, &model.Explanation{}, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != model.JobSolved || job.FinishedAt == nil {
		t.Fatalf("want SOLVED with finishedAt, got %+v", job)
	}
	if job.Solution == nil || job.Solution.Seed != 7 {
		t.Fatalf("solution not persisted: %+v", job.Solution)
	}
	if job.Explanation == nil {
		t.Fatalf("explanation not persisted")
	}
}

func TestMemoryTransitionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newJob(t, m)

	if _, err := m.TransitionJob(ctx, job.ID, model.JobQueued, model.JobRunning); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict for stale from-state, got %v", err)
	}
	if _, err := m.TransitionJob(ctx, "missing", model.JobCreated, model.JobQueued); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryCompleteAfterCancelIsDropped(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newJob(t, m)
	_, _ = m.TransitionJob(ctx, job.ID, model.JobCreated, model.JobQueued)
	_, _ = m.TransitionJob(ctx, job.ID, model.JobQueued, model.JobRunning)

	got, changed, err := m.CancelJob(ctx, job.ID)
	if err != nil || !changed || got.Status != model.JobCancelled {
		t.Fatalf("cancel: changed=%v err=%v status=%s", changed, err, got.Status)
	}

	if _, err := m.CompleteJob(ctx, job.ID, model.JobSolved, &model.Solution{}, nil, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete after cancel must conflict, got %v", err)
	}
	cur, _ := m.GetJob(ctx, job.ID)
	if cur.Solution != nil {
		t.Fatalf("no solution may be written after cancel")
	}

	// second cancel is a no-op
	_, changed, err = m.CancelJob(ctx, job.ID)
	if err != nil || changed {
		t.Fatalf("cancel on terminal: changed=%v err=%v", changed, err)
	}
}

func TestMemoryListJobsCursor(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, newJob(t, m).ID)
	}
	_, _ = m.TransitionJob(ctx, ids[2], model.JobCreated, model.JobQueued)

	page1, cursor, err := m.ListJobs(ctx, "", "", 2)
	if err != nil || len(page1) != 2 || cursor == "" {
		t.Fatalf("page1: n=%d cursor=%q err=%v", len(page1), cursor, err)
	}
	page2, cursor2, err := m.ListJobs(ctx, "", cursor, 10)
	if err != nil || len(page2) != 3 || cursor2 != "" {
		t.Fatalf("page2: n=%d cursor=%q err=%v", len(page2), cursor2, err)
	}
	if page1[0].ID != ids[0] || page2[0].ID != ids[2] {
		t.Fatalf("pagination must keep insertion order")
	}

	queued, _, err := m.ListJobs(ctx, model.JobQueued, "", 10)
	if err != nil || len(queued) != 1 || queued[0].ID != ids[2] {
		t.Fatalf("status filter: %v %v", queued, err)
	}
}

func TestMemorySubscriptionsEventFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	solved, _ := m.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a", Events: []string{"job.solved"}})
	all, _ := m.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b", Events: []string{"*"}})

	subs, err := m.GetSubscriptionsForEvent(ctx, "job.solved")
	if err != nil || len(subs) != 2 {
		t.Fatalf("want both subscriptions, got %v err=%v", subs, err)
	}
	subs, _ = m.GetSubscriptionsForEvent(ctx, "job.error")
	if len(subs) != 1 || subs[0].ID != all.ID {
		t.Fatalf("want only wildcard, got %v", subs)
	}

	if err := m.DeleteSubscription(ctx, solved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteSubscription(ctx, solved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestMemoryDeliveryQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.EnqueueDelivery(ctx, "sub1", "job.solved", "http://cb", "sec", []byte(`{"jobId":"j1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := m.FetchDueDeliveries(ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != id {
		t.Fatalf("due: %v err=%v", due, err)
	}

	// retry pushes the next attempt into the future
	next := time.Now().Add(time.Hour)
	if err := m.MarkDelivery(ctx, id, false, &next, "boom", 500); err != nil {
		t.Fatalf("mark: %v", err)
	}
	due, _ = m.FetchDueDeliveries(ctx, 10)
	if len(due) != 0 {
		t.Fatalf("future retry must not be due, got %v", due)
	}

	if err := m.FailDelivery(ctx, id, "gave up", 500); err != nil {
		t.Fatalf("fail: %v", err)
	}
	dead, _, err := m.ListDeadLetters(ctx, "", 10)
	if err != nil || len(dead) != 1 || dead[0].Status != DeliveryFailed {
		t.Fatalf("dlq: %v err=%v", dead, err)
	}

	if err := m.RequeueDeadLetter(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	dead, _, _ = m.ListDeadLetters(ctx, "", 10)
	if len(dead) != 0 {
		t.Fatalf("dlq must drain on requeue")
	}
	due, _ = m.FetchDueDeliveries(ctx, 10)
	if len(due) != 1 || due[0].Status != DeliveryPending {
		t.Fatalf("requeued delivery must be due again, got %v", due)
	}
}
