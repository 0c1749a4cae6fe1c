package api

import (
	"net/http"
	"time"

	"optiq/internal/buildinfo"
)

// DebugInfo handles GET /debug/info: build identity plus the effective
// non-secret configuration.
func (s *Server) DebugInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"listen":              s.cfg.Listen,
			"workers":             s.cfg.Workers,
			"queueSize":           s.cfg.QueueSize,
			"syncTimeoutSec":      s.cfg.SyncTimeoutSec,
			"rateRps":             s.cfg.RateRPS,
			"rateBurst":           s.cfg.RateBurst,
			"callbackMaxAttempts": s.cfg.CallbackMaxAttempts,
			"hasDatabaseUrl":      s.cfg.DatabaseURL != "",
			"hasRedisUrl":         s.cfg.RedisURL != "",
		},
	})
}
