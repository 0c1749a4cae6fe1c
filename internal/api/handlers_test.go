package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"optiq/internal/config"
	"optiq/internal/model"
)

func newTestServer(t *testing.T, start bool) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = 2
	cfg.RateRPS = 1000
	cfg.RateBurst = 1000
	s, err := NewServer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if start {
		s.Start()
	}
	t.Cleanup(s.Close)
	return s
}

func testProblem() map[string]any {
	day := func(h int) string {
		return time.Date(2026, 3, 2, h, 0, 0, 0, time.UTC).Format(time.RFC3339)
	}
	return map[string]any{
		"kind": "routing",
		"tasks": []map[string]any{
			{"id": "t1", "location": map[string]any{"point": map[string]float64{"lat": 52.52, "lng": 13.40}},
				"durationSec": 600, "windows": []map[string]string{{"start": day(8), "end": day(12)}}},
			{"id": "t2", "location": map[string]any{"point": map[string]float64{"lat": 52.53, "lng": 13.42}},
				"durationSec": 600, "windows": []map[string]string{{"start": day(8), "end": day(12)}}},
		},
		"providers": []map[string]any{
			{"id": "v1", "start": map[string]any{"point": map[string]float64{"lat": 52.50, "lng": 13.39}},
				"shifts": []map[string]string{{"start": day(7), "end": day(17)}}},
		},
		"options": map[string]any{"seed": 7, "budget": map[string]any{"maxIterations": 100}},
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t, false)
	r := s.Router()
	if w := doJSON(t, r, http.MethodGet, "/healthz", nil); w.Code != 200 {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/readyz", nil); w.Code != 200 {
		t.Fatalf("readyz: %d", w.Code)
	}
}

func TestSubmitLifecycle(t *testing.T) {
	s := newTestServer(t, true)
	r := s.Router()

	w := doJSON(t, r, http.MethodPost, "/v1/jobs", testProblem())
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	id, _ := body["jobId"].(string)
	if id == "" {
		t.Fatalf("no jobId in %v", body)
	}

	// immediate status must be a pre-terminal or terminal state, never CREATED
	st := decode(t, doJSON(t, r, http.MethodGet, "/v1/jobs/"+id, nil))["status"].(string)
	switch model.JobStatus(st) {
	case model.JobQueued, model.JobRunning, model.JobSolved:
	default:
		t.Fatalf("unexpected immediate status %s", st)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st = decode(t, doJSON(t, r, http.MethodGet, "/v1/jobs/"+id, nil))["status"].(string)
		if model.JobStatus(st).Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished, status %s", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st != string(model.JobSolved) {
		t.Fatalf("terminal status %s, want SOLVED", st)
	}

	sw := doJSON(t, r, http.MethodGet, "/v1/jobs/"+id+"/solution", nil)
	if sw.Code != 200 {
		t.Fatalf("solution: %d %s", sw.Code, sw.Body.String())
	}
	var sol model.Solution
	if err := json.Unmarshal(sw.Body.Bytes(), &sol); err != nil {
		t.Fatalf("solution decode: %v", err)
	}
	if sol.Score.Hard != 0 {
		t.Fatalf("hard score %v, want 0", sol.Score.Hard)
	}
	if len(sol.Routes) != 1 || len(sol.Routes[0].Assignments) != 2 {
		t.Fatalf("routes: %+v", sol.Routes)
	}

	ew := doJSON(t, r, http.MethodGet, "/v1/jobs/"+id+"/explanation", nil)
	if ew.Code != 200 {
		t.Fatalf("explanation: %d", ew.Code)
	}
	var exp model.Explanation
	if err := json.Unmarshal(ew.Body.Bytes(), &exp); err != nil {
		t.Fatalf("explanation decode: %v", err)
	}
	if len(exp.Assignments) != 2 {
		t.Fatalf("explanation assignments: %+v", exp.Assignments)
	}
}

func TestSubmitValidationRejected(t *testing.T) {
	s := newTestServer(t, false)
	r := s.Router()

	bad := testProblem()
	bad["tasks"] = []map[string]any{{"id": "", "durationSec": 0}}
	w := doJSON(t, r, http.MethodPost, "/v1/jobs", bad)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d %s", w.Code, w.Body.String())
	}
	var prob Problem
	if err := json.Unmarshal(w.Body.Bytes(), &prob); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(prob.Errors) == 0 {
		t.Fatal("expected validation errors in the problem document")
	}
	codes := map[string]bool{}
	for _, e := range prob.Errors {
		codes[e.Code] = true
	}
	for _, want := range []string{model.VMissingID, model.VNonpositiveDur, model.VUnresolvedLoc} {
		if !codes[want] {
			t.Fatalf("missing code %s in %v", want, prob.Errors)
		}
	}

	// a rejected submission never creates a job
	lw := decode(t, doJSON(t, r, http.MethodGet, "/v1/jobs", nil))
	if items := lw["items"].([]any); len(items) != 0 {
		t.Fatalf("rejected submit created a job: %v", items)
	}
}

func TestSolveSync(t *testing.T) {
	s := newTestServer(t, true)
	r := s.Router()

	req := testProblem()
	req["timeoutSec"] = 10
	w := doJSON(t, r, http.MethodPost, "/v1/solve", req)
	if w.Code != http.StatusOK {
		t.Fatalf("solve: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != string(model.JobSolved) {
		t.Fatalf("status %v", body["status"])
	}
	if body["solution"] == nil || body["explanation"] == nil {
		t.Fatalf("sync response missing documents: %v", body)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	// workers never started, so the job stays QUEUED until cancelled
	s := newTestServer(t, false)
	r := s.Router()

	w := doJSON(t, r, http.MethodPost, "/v1/jobs", testProblem())
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", w.Code)
	}
	id := decode(t, w)["jobId"].(string)

	cw := doJSON(t, r, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	if cw.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d %s", cw.Code, cw.Body.String())
	}
	st := decode(t, doJSON(t, r, http.MethodGet, "/v1/jobs/"+id, nil))["status"]
	if st != string(model.JobCancelled) {
		t.Fatalf("status %v, want CANCELLED", st)
	}

	// cancel is not repeatable past a terminal state
	if cw2 := doJSON(t, r, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil); cw2.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", cw2.Code)
	}
	// and the solution sub-resource gates on SOLVED
	if sw := doJSON(t, r, http.MethodGet, "/v1/jobs/"+id+"/solution", nil); sw.Code != http.StatusConflict {
		t.Fatalf("solution of cancelled job: %d", sw.Code)
	}
}

func TestListJobs(t *testing.T) {
	// workers never started, so submitted jobs sit QUEUED
	s := newTestServer(t, false)
	r := s.Router()

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		w := doJSON(t, r, http.MethodPost, "/v1/jobs", testProblem())
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit %d: %d", i, w.Code)
		}
		ids[decode(t, w)["jobId"].(string)] = true
	}

	lw := doJSON(t, r, http.MethodGet, "/v1/jobs?status=QUEUED", nil)
	if lw.Code != http.StatusOK {
		t.Fatalf("list: %d %s", lw.Code, lw.Body.String())
	}
	items := decode(t, lw)["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("want 3 items, got %d", len(items))
	}
	for _, it := range items {
		doc := it.(map[string]any)
		if !ids[doc["id"].(string)] {
			t.Fatalf("unknown job id %v in listing", doc["id"])
		}
		if doc["status"] != string(model.JobQueued) {
			t.Fatalf("status %v, want QUEUED", doc["status"])
		}
	}
}

func TestJobNotFound(t *testing.T) {
	s := newTestServer(t, false)
	r := s.Router()
	for _, path := range []string{"/v1/jobs/nope", "/v1/jobs/nope/solution", "/v1/jobs/nope/explanation"} {
		if w := doJSON(t, r, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Fatalf("%s: %d", path, w.Code)
		}
	}
}

func TestSSETerminalSnapshot(t *testing.T) {
	s := newTestServer(t, true)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	b, _ := json.Marshal(testProblem())
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	var sub struct {
		JobID string `json:"jobId"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sub)
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		jr, err := http.Get(ts.URL + "/v1/jobs/" + sub.JobID)
		if err != nil {
			t.Fatal(err)
		}
		var doc struct {
			Status model.JobStatus `json:"status"`
		}
		_ = json.NewDecoder(jr.Body).Decode(&doc)
		jr.Body.Close()
		if doc.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a terminal job produces one snapshot event and the stream closes
	er, err := http.Get(ts.URL + fmt.Sprintf("/v1/jobs/%s/events", sub.JobID))
	if err != nil {
		t.Fatal(err)
	}
	defer er.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(er.Body)
	if !strings.Contains(buf.String(), "event: job.status") {
		t.Fatalf("no snapshot in stream: %q", buf.String())
	}
	if !strings.Contains(buf.String(), string(model.JobSolved)) {
		t.Fatalf("snapshot missing terminal status: %q", buf.String())
	}
}

func TestSubscriptionsCRUD(t *testing.T) {
	s := newTestServer(t, false)
	r := s.Router()

	w := doJSON(t, r, http.MethodPost, "/v1/subscriptions", map[string]any{
		"url": "https://example.test/hook", "events": []string{"job.solved"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	id := decode(t, w)["id"].(string)

	lw := decode(t, doJSON(t, r, http.MethodGet, "/v1/subscriptions", nil))
	if items := lw["items"].([]any); len(items) != 1 {
		t.Fatalf("list: %v", items)
	}

	if dw := doJSON(t, r, http.MethodDelete, "/v1/subscriptions/"+id, nil); dw.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", dw.Code)
	}
	if dw := doJSON(t, r, http.MethodDelete, "/v1/subscriptions/"+id, nil); dw.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d", dw.Code)
	}
}

func TestSolverConfigDefaults(t *testing.T) {
	s := newTestServer(t, false)
	w := doJSON(t, s.Router(), http.MethodGet, "/v1/solver/config", nil)
	if w.Code != 200 {
		t.Fatalf("config: %d", w.Code)
	}
	body := decode(t, w)
	if body["defaults"] == nil {
		t.Fatalf("no defaults: %v", body)
	}
}
