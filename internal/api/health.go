//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports whether the relay's dependencies are reachable.
// Liveness is served separately by the heartbeat middleware.
type ReadyHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewReadyHandler creates a readiness handler over named checks.
func NewReadyHandler(checks map[string]Pinger, timeout time.Duration) *ReadyHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ReadyHandler{checks: checks, timeout: timeout}
}

// Ready returns 200 when every check passes and 503 otherwise.
func (h *ReadyHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := map[string]interface{}{
		"status": "ready",
	}
	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("Readiness check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	status["checks"] = checks

	JSON(w, statusCode, status)
}

// RegisterReady registers the readiness route.
func (h *ReadyHandler) RegisterReady(r chi.Router) {
	r.Get("/ready", h.Ready)
}
