package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/learnloop/llm-gateway/utils"
)

// readinessTimeout bounds the database and provider probes of /readyz
const readinessTimeout = 10 * time.Second

// providerProbeTTL is how long /readyz reuses the last provider probe. Each
// probe is a real completion request against every provider.
const providerProbeTTL = 30 * time.Second

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// DatabaseChecker reports usage-ledger connectivity
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// ProviderChecker probes every provider in the routing chain
type ProviderChecker interface {
	HealthCheck(ctx context.Context) map[string]bool
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db        DatabaseChecker
	providers ProviderChecker
	logger    *zap.Logger

	probeTTL time.Duration
	now      func() time.Time
	probes   singleflight.Group

	mu        sync.Mutex
	lastProbe map[string]bool
	probedAt  time.Time
}

// NewHealthHandler creates a new HealthHandler. db may be nil when the usage
// ledger is disabled.
func NewHealthHandler(db DatabaseChecker, providers ProviderChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		providers: providers,
		logger:    logger,
		probeTTL:  providerProbeTTL,
		now:       time.Now,
	}
}

// HandleHealth handles GET /healthz
// Basic liveness check - always returns 200 if the process is serving
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Ready when the database (if configured) answers and at least one provider
// in the chain passes its health probe.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if h.db == nil {
		checks["database"] = "disabled"
	} else if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		ready = false
	} else {
		checks["database"] = "healthy"
	}

	anyProvider := false
	for name, ok := range h.providerHealth(ctx) {
		if ok {
			checks["provider:"+name] = "healthy"
			anyProvider = true
			continue
		}
		h.logger.Warn("provider health check failed", zap.String("provider", name))
		checks["provider:"+name] = "unhealthy"
	}
	if !anyProvider {
		ready = false
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ready {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// providerHealth returns the cached provider probe while it is fresh.
// Concurrent callers share one probe.
func (h *HealthHandler) providerHealth(ctx context.Context) map[string]bool {
	h.mu.Lock()
	if h.lastProbe != nil && h.now().Sub(h.probedAt) < h.probeTTL {
		cached := h.lastProbe
		h.mu.Unlock()
		return cached
	}
	h.mu.Unlock()

	v, _, _ := h.probes.Do("providers", func() (interface{}, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readinessTimeout)
		defer cancel()

		results := h.providers.HealthCheck(probeCtx)
		h.mu.Lock()
		h.lastProbe = results
		h.probedAt = h.now()
		h.mu.Unlock()
		return results, nil
	})
	return v.(map[string]bool)
}
