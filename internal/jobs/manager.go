package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"optiq/internal/metrics"
	"optiq/internal/model"
	"optiq/internal/solver"
	"optiq/internal/travel"
)

// Config sizes the manager.
type Config struct {
	Workers       int
	QueueSize     int
	SyncTimeout   time.Duration // default deadline for SolveSync callers
	RetryAttempts int           // travel provider retries per pair
	RetryBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Broker fans job events out to live subscribers (SSE, WebSocket).
type Broker interface {
	Publish(jobID, eventType string, data any)
}

// Notifier hands job events to the callback delivery queue.
type Notifier interface {
	Emit(ctx context.Context, eventType string, data any)
	EmitDirect(ctx context.Context, eventType, url, secret string, data any)
}

var (
	ErrQueueFull = errors.New("job queue full")
	ErrClosed    = errors.New("job manager closed")
	ErrTimeout   = errors.New("solve deadline exceeded")
)

var errWorkerPanic = errors.New("worker panic")

// Manager owns the job queue and the worker pool draining it. Broker, Notify,
// Travel and Log are optional and must be set before Start.
type Manager struct {
	Store  Store
	Broker Broker
	Notify Notifier
	Travel travel.Provider // nil selects haversine over problem options
	Log    *zap.Logger

	cfg   Config
	queue chan string
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc // RUNNING job -> its cancel
}

func NewManager(s Store, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		Store:  s,
		cfg:    cfg,
		queue:  make(chan string, cfg.QueueSize),
		ctx:    ctx,
		stop:   cancel,
		active: map[string]context.CancelFunc{},
	}
}

// Start requeues jobs a previous process left QUEUED, then spawns the workers.
func (m *Manager) Start() {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	m.requeue()
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Close interrupts running searches and waits for the workers to drain.
// Interrupted jobs still persist their best-so-far result.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) requeue() {
	cursor := ""
	for {
		items, next, err := m.Store.ListJobs(m.ctx, model.JobQueued, cursor, 100)
		if err != nil {
			m.Log.Warn("requeue scan failed", zap.Error(err))
			return
		}
		for _, j := range items {
			select {
			case m.queue <- j.ID:
			default:
				m.Log.Warn("requeue stopped, queue full", zap.String("job", j.ID))
				return
			}
		}
		if next == "" {
			return
		}
		cursor = next
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			metrics.QueueDepth.Set(float64(len(m.queue)))
			m.run(id)
		}
	}
}

// Submit validates the problem, persists it and hands it to the worker pool.
// Validation failures never enter the lifecycle.
func (m *Manager) Submit(ctx context.Context, p *model.Problem) (*model.Job, error) {
	if err := model.ValidateProblem(p); err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if len(m.queue) >= cap(m.queue) {
		return nil, ErrQueueFull
	}
	job, err := m.Store.CreateJob(ctx, &model.Job{Status: model.JobCreated, Problem: p})
	if err != nil {
		return nil, err
	}
	job, err = m.Store.TransitionJob(ctx, job.ID, model.JobCreated, model.JobQueued)
	if err != nil {
		return nil, err
	}
	select {
	case m.queue <- job.ID:
	default:
		// lost the capacity race between the check and the send
		_, _, _ = m.Store.CancelJob(ctx, job.ID)
		return nil, ErrQueueFull
	}
	metrics.QueueDepth.Set(float64(len(m.queue)))
	m.publish(job, model.EventJobQueued, map[string]any{"jobId": job.ID, "status": job.Status})
	return job, nil
}

// Cancel moves a job to CANCELLED and interrupts its worker if it is
// running. changed is false when the job already reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.Job, bool, error) {
	job, changed, err := m.Store.CancelJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.mu.Lock()
		if cancel, ok := m.active[id]; ok {
			cancel()
		}
		m.mu.Unlock()
		m.publish(job, model.EventJobCancelled, map[string]any{"jobId": id, "status": job.Status})
	}
	return job, changed, nil
}

// SolveSync submits the problem and waits for a terminal state. On deadline
// the underlying job is cancelled server-side and ErrTimeout is returned.
func (m *Manager) SolveSync(ctx context.Context, p *model.Problem, timeout time.Duration) (*model.Job, error) {
	if timeout <= 0 || timeout > m.cfg.SyncTimeout {
		timeout = m.cfg.SyncTimeout
	}
	job, err := m.Submit(ctx, p)
	if err != nil {
		return nil, err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _, _ = m.Cancel(context.Background(), job.ID)
			return nil, ctx.Err()
		case <-deadline.C:
			_, _, _ = m.Cancel(context.Background(), job.ID)
			return nil, ErrTimeout
		case <-tick.C:
			cur, err := m.Store.GetJob(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			if cur.Status.Terminal() {
				return cur, nil
			}
		}
	}
}

func (m *Manager) run(id string) {
	job, err := m.Store.TransitionJob(m.ctx, id, model.JobQueued, model.JobRunning)
	if err != nil {
		// CANCELLED while queued is the normal conflict here
		if !errors.Is(err, ErrConflict) {
			m.Log.Warn("job claim failed", zap.String("job", id), zap.Error(err))
		}
		return
	}
	m.publish(job, model.EventJobRunning, map[string]any{"jobId": id, "status": job.Status})

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.active[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	sol, exp, runErr := m.solve(ctx, job)

	// Persist under a fresh context: the job context dies with a cancel and
	// the outcome still has to be recorded or discarded.
	pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pcancel()

	if runErr != nil {
		jerr := jobErrorFor(runErr)
		done, err := m.Store.CompleteJob(pctx, id, model.JobErrored, nil, nil, jerr)
		if err != nil {
			if !errors.Is(err, ErrConflict) {
				m.Log.Error("job error not recorded", zap.String("job", id), zap.Error(err))
			}
			return
		}
		m.Log.Warn("job failed",
			zap.String("job", id),
			zap.String("code", jerr.Code),
			zap.Duration("took", time.Since(started)))
		m.publish(done, model.EventJobError, map[string]any{"jobId": id, "status": done.Status, "error": jerr})
		return
	}

	done, err := m.Store.CompleteJob(pctx, id, model.JobSolved, sol, exp, nil)
	if err != nil {
		// cancelled mid-run: the result is dropped, the cancel event already went out
		if !errors.Is(err, ErrConflict) {
			m.Log.Error("job result not recorded", zap.String("job", id), zap.Error(err))
		}
		return
	}
	metrics.ObserveSolve(sol.Iterations, time.Since(started))
	m.Log.Info("job solved",
		zap.String("job", id),
		zap.Int64("iterations", sol.Iterations),
		zap.Int("unassigned", len(sol.Unassigned)),
		zap.Duration("took", time.Since(started)))
	m.publish(done, model.EventJobSolved, map[string]any{
		"jobId":      id,
		"status":     done.Status,
		"score":      sol.Score,
		"iterations": sol.Iterations,
		"unassigned": len(sol.Unassigned),
	})
}

func (m *Manager) solve(ctx context.Context, job *model.Job) (sol *model.Solution, exp *model.Explanation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errWorkerPanic, r)
		}
	}()
	prob := job.Problem
	var mat *travel.Matrix
	if prob.Kind != model.KindScheduling {
		mat, err = travel.BuildMatrix(ctx, m.travelChain(prob), solver.Points(prob))
		if err != nil {
			return nil, nil, err
		}
	}
	var improved atomic.Int64
	prog := func(iter int64, best model.Score) {
		score := best
		_ = m.Store.SaveProgress(ctx, job.ID, model.JobProgress{
			Iterations: iter,
			BestScore:  &score,
			Improved:   improved.Add(1),
		})
		m.publish(job, model.EventJobImproved, map[string]any{"jobId": job.ID, "iteration": iter, "score": score})
	}
	var stats []solver.Stats
	sol, exp, stats, err = solver.Solve(ctx, prob, mat, prog)
	if err != nil {
		return nil, nil, err
	}
	solver.RecordStats(job.ID, stats)
	return sol, exp, nil
}

// travelChain wraps the configured provider with bounded retries and a pair
// cache. Each solve builds its matrix through a fresh cache so stale legs
// never outlive the job.
func (m *Manager) travelChain(p *model.Problem) travel.Provider {
	inner := m.Travel
	if inner == nil {
		inner = travel.Haversine{SpeedKph: p.Options.SpeedKph}
	}
	return travel.NewCache(travel.Retry{Inner: inner, Attempts: m.cfg.RetryAttempts, Backoff: m.cfg.RetryBackoff})
}

func (m *Manager) publish(job *model.Job, event string, data any) {
	metrics.JobEvents.WithLabelValues(event).Inc()
	if m.Broker != nil {
		m.Broker.Publish(job.ID, event, data)
	}
	if m.Notify == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Notify.Emit(ctx, event, data)
	if terminalEvent(event) && job.Problem != nil && job.Problem.Options.CallbackURL != "" {
		m.Notify.EmitDirect(ctx, event, job.Problem.Options.CallbackURL, job.Problem.Options.CallbackSecret, data)
	}
}

func terminalEvent(event string) bool {
	return event == model.EventJobSolved || event == model.EventJobError || event == model.EventJobCancelled
}

func jobErrorFor(err error) *model.JobError {
	code := model.ErrCodeWorkerCrash
	switch {
	case errors.Is(err, travel.ErrUnavailable):
		code = model.ErrCodeProvider
	case errors.Is(err, solver.ErrNoFeasible):
		code = model.ErrCodeNoFeasible
	}
	return &model.JobError{Code: code, Message: err.Error()}
}
