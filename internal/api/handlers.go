package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"optiq/internal/jobs"
	"optiq/internal/model"
	"optiq/internal/solver"
)

// SubmitJob handles POST /v1/jobs: validate, persist, enqueue, 202.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var p model.Problem
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	job, err := s.Jobs.Submit(r.Context(), &p)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs model.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeValidation(w, verrs, r.URL.Path)
	case errors.Is(err, jobs.ErrQueueFull):
		writeProblemCode(w, http.StatusTooManyRequests, model.ErrCodeQueueFull, "Queue full", "job queue is at capacity, retry later", r.URL.Path)
	case errors.Is(err, jobs.ErrClosed):
		writeProblem(w, http.StatusServiceUnavailable, "Shutting down", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Submit failed", err.Error(), r.URL.Path)
	}
}

// ListJobs handles GET /v1/jobs with status filter and cursor pagination.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := model.JobStatus(r.URL.Query().Get("status"))
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListJobs(r.Context(), status, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List jobs failed", err.Error(), r.URL.Path)
		return
	}
	docs := make([]map[string]any, len(items))
	for i := range items {
		docs[i] = jobStatusDoc(items[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs, "nextCursor": next})
}

// GetJob handles GET /v1/jobs/{id}: the status document, never the full
// solution body (that lives on the sub-resource).
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	doc := jobStatusDoc(job)
	if st, ok := solver.StatsFor(id); ok {
		doc["search"] = st
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetSolution handles GET /v1/jobs/{id}/solution. 409 with the current
// status until the job reaches SOLVED.
func (s *Server) GetSolution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	if job.Status != model.JobSolved || job.Solution == nil {
		body := map[string]any{"jobId": job.ID, "status": job.Status}
		if job.Error != nil {
			body["error"] = job.Error
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	writeJSON(w, http.StatusOK, job.Solution)
}

// GetExplanation handles GET /v1/jobs/{id}/explanation with the same
// gating as the solution sub-resource.
func (s *Server) GetExplanation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	if job.Status != model.JobSolved || job.Explanation == nil {
		body := map[string]any{"jobId": job.ID, "status": job.Status}
		if job.Error != nil {
			body["error"] = job.Error
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	writeJSON(w, http.StatusOK, job.Explanation)
}

// CancelJob handles POST /v1/jobs/{id}/cancel. Terminal jobs answer 409;
// cancel itself is asynchronous, hence 202.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, changed, err := s.Jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	if !changed {
		writeProblem(w, http.StatusConflict, "Already finished", fmt.Sprintf("job is %s", job.Status), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
}

// SolveSync handles POST /v1/solve: the problem document inline plus an
// optional timeoutSec. Blocks until terminal or deadline.
func (s *Server) SolveSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.Problem
		TimeoutSec int `json:"timeoutSec,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	job, err := s.Jobs.SolveSync(r.Context(), &req.Problem, time.Duration(req.TimeoutSec)*time.Second)
	if err != nil {
		if errors.Is(err, jobs.ErrTimeout) {
			writeProblemCode(w, http.StatusRequestTimeout, model.ErrCodeTimeout, "Solve timed out", "deadline exceeded; the job was cancelled", r.URL.Path)
			return
		}
		s.writeSubmitError(w, r, err)
		return
	}
	switch job.Status {
	case model.JobSolved:
		writeJSON(w, http.StatusOK, map[string]any{
			"jobId":       job.ID,
			"status":      job.Status,
			"solution":    job.Solution,
			"explanation": job.Explanation,
		})
	case model.JobCancelled:
		writeJSON(w, http.StatusConflict, map[string]any{"jobId": job.ID, "status": job.Status})
	default: // ERROR
		code := http.StatusInternalServerError
		if job.Error != nil {
			switch job.Error.Code {
			case model.ErrCodeNoFeasible:
				code = http.StatusUnprocessableEntity
			case model.ErrCodeProvider:
				code = http.StatusBadGateway
			}
		}
		writeJSON(w, code, map[string]any{"jobId": job.ID, "status": job.Status, "error": job.Error})
	}
}

// JobEventsSSE streams job.* events for one job. A status snapshot opens the
// stream; terminal jobs get the snapshot and the stream closes.
func (s *Server) JobEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE := func(event string, data any) {
		b, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\n", event)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	// subscribe before the snapshot so no event can slip between them
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	writeSSE("job.status", map[string]any{"jobId": job.ID, "status": job.Status, "ts": time.Now().UTC().Format(time.RFC3339)})
	if job.Status.Terminal() {
		return
	}

	notify := r.Context().Done()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			writeSSE(evt.Type, evt.Data)
			if terminalEvent(evt.Type) {
				return
			}
		case <-heartbeat.C:
			writeSSE("heartbeat", map[string]any{"jobId": id, "ts": time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func terminalEvent(event string) bool {
	switch event {
	case model.EventJobSolved, model.EventJobError, model.EventJobCancelled:
		return true
	}
	return false
}

// CreateSubscription handles POST /v1/subscriptions.
func (s *Server) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.URL == "" {
		writeProblem(w, http.StatusBadRequest, "Missing url", "", r.URL.Path)
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{"*"}
	}
	sub, err := s.Store.CreateSubscription(r.Context(), req)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /v1/subscriptions.
func (s *Server) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}.
func (s *Server) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCallbackDeliveries handles GET /v1/deliveries with an optional status
// filter (pending, retry, delivered, failed).
func (s *Server) ListCallbackDeliveries(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListDeliveries(r.Context(), status, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// ListDeadLetters handles GET /v1/deliveries/dead.
func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListDeadLetters(r.Context(), cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List dead letters failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// RequeueDeadLetter handles POST /v1/deliveries/dead/{id}/requeue.
func (s *Server) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.RequeueDeadLetter(r.Context(), id); err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// SolverConfig handles GET /v1/solver/config: the documented defaults a
// zero-valued options block selects.
func (s *Server) SolverConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"defaults": map[string]any{
			"weights":     model.DefaultWeights(),
			"weightKeys":  model.WeightKeys,
			"budget":      map[string]any{"timeLimitMs": 0, "maxIterations": 2000, "patience": 0},
			"cooling":     0.995,
			"initialTemp": 0, // 0 selects a temperature scaled to the constructed plan
			"instances":   1,
			"speedKph":    50,
		},
		"syncTimeoutSec": s.cfg.SyncTimeoutSec,
	})
}

// HealthHandler answers liveness probes.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler answers readiness probes; with Postgres it round-trips the DB.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, "Lookup failed", err.Error(), r.URL.Path)
}

// jobStatusDoc renders the wire status document: identity, lifecycle
// timestamps, and the result summary when one exists.
func jobStatusDoc(j *model.Job) map[string]any {
	doc := map[string]any{
		"id":        j.ID,
		"status":    j.Status,
		"createdAt": j.CreatedAt,
		"updatedAt": j.UpdatedAt,
	}
	if j.StartedAt != nil {
		doc["startedAt"] = j.StartedAt
	}
	if j.FinishedAt != nil {
		doc["finishedAt"] = j.FinishedAt
	}
	if j.Progress != nil {
		doc["progress"] = j.Progress
	}
	if j.Solution != nil {
		doc["score"] = j.Solution.Score
		doc["iterations"] = j.Solution.Iterations
		doc["unassigned"] = len(j.Solution.Unassigned)
	}
	if j.Error != nil {
		doc["error"] = j.Error
	}
	return doc
}
