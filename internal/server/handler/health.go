package handler

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// checkTimeout bounds each dependency check.
const checkTimeout = 2 * time.Second

// Check tests one backing service.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	trader    domain.TraderID
	mode      string
	checks    map[string]Check
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler for the node acting as trader.
// checks name the backing services checked on every request.
func NewHealthHandler(trader domain.TraderID, mode string, checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		trader:    trader,
		mode:      mode,
		checks:    checks,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HealthCheck responds with the node's identity, uptime and the state of
// each backing service. Any failing check answers 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for _, name := range slices.Sorted(maps.Keys(h.checks)) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"trader_id":      h.trader.String(),
		"mode":           h.mode,
		"dependencies":   deps,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
