// Package api implements the HTTP surface of the optiq service.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"optiq/internal/config"
	"optiq/internal/jobs"
	"optiq/internal/metrics"
	"optiq/internal/notify"
)

// Server wires the store, job manager, event broker and callback publisher
// behind the HTTP handlers.
type Server struct {
	Store  jobs.Store
	Jobs   *jobs.Manager
	Broker EventBroker
	Notify *notify.Publisher
	Log    *zap.Logger

	cfg     *config.Config
	limiter *rate.Limiter
}

// NewServer builds the full dependency graph from configuration. With no
// database URL it runs on the in-memory store; with no redis URL events fan
// out in-process only.
func NewServer(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}

	var st jobs.Store
	if cfg.DatabaseURL == "" {
		st = jobs.NewMemory()
	} else {
		pg, err := jobs.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.MigrateDir(cfg.MigrateDir); err != nil {
				return nil, err
			}
		}
		st = pg
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Warn("redis broker unavailable, falling back to in-memory", zap.Error(err))
			broker = NewMemBroker()
		} else {
			broker = rb
		}
	} else {
		broker = NewMemBroker()
	}

	pub := notify.NewPublisher(st)
	mgr := jobs.NewManager(st, jobs.Config{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		SyncTimeout:   cfg.SyncTimeout(),
		RetryAttempts: cfg.TravelRetryAttempts,
		RetryBackoff:  cfg.TravelRetryBackoff(),
	})
	mgr.Broker = &brokerAdapter{broker}
	mgr.Notify = pub
	mgr.Log = log

	metrics.RegisterDefault()

	return &Server{
		Store:   st,
		Jobs:    mgr,
		Broker:  broker,
		Notify:  pub,
		Log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
	}, nil
}

// Start spins up the solve workers. Callers own shutdown via Close.
func (s *Server) Start() { s.Jobs.Start() }

// Close stops the workers and the store.
func (s *Server) Close() {
	s.Jobs.Close()
	_ = s.Store.Close()
}

// NewCallbackWorker creates the background deliverer for queued callbacks.
func (s *Server) NewCallbackWorker() *notify.Worker {
	w := notify.NewWorker(s.Store)
	w.Log = s.Log
	if s.cfg.CallbackMaxAttempts > 0 {
		w.MaxAttempts = s.cfg.CallbackMaxAttempts
	}
	return w
}

// Router binds every route. Submit-style endpoints sit behind the rate
// limiter; everything passes through logging and metrics middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/jobs", s.rateLimited(s.SubmitJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.ListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.GetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/solution", s.GetSolution).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/explanation", s.GetExplanation).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", s.CancelJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/events", s.JobEventsSSE).Methods(http.MethodGet)
	v1.HandleFunc("/solve", s.rateLimited(s.SolveSync)).Methods(http.MethodPost)
	v1.HandleFunc("/ws", s.WSHandler).Methods(http.MethodGet)

	v1.HandleFunc("/subscriptions", s.CreateSubscription).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions", s.ListSubscriptions).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", s.DeleteSubscription).Methods(http.MethodDelete)
	v1.HandleFunc("/deliveries", s.ListCallbackDeliveries).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/dead", s.ListDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/dead/{id}/requeue", s.RequeueDeadLetter).Methods(http.MethodPost)

	v1.HandleFunc("/solver/config", s.SolverConfig).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.ReadyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", s.OpenAPIHandler).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.DocsHandler).Methods(http.MethodGet)
	r.HandleFunc("/debug/info", s.DebugInfo).Methods(http.MethodGet)
	return r
}

// HTTPServer wraps the router in a ready-to-run http.Server.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// brokerAdapter narrows the api broker to the shape the jobs manager wants.
type brokerAdapter struct {
	b EventBroker
}

func (a *brokerAdapter) Publish(jobID, eventType string, data any) {
	m, ok := data.(map[string]any)
	if !ok {
		m = map[string]any{"data": data}
	}
	a.b.Publish(jobID, Event{Type: eventType, Data: m})
}
