package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-forecast/internal/services"
)

var startTime = time.Now()

// HealthChecker is a dependency that can report its own health.
// *database.PostgresDB and *database.RedisClient satisfy it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	version  string
	checks   map[string]HealthChecker
	pool     func() services.WorkerPoolStats
	breakers func() map[string]services.CircuitBreakerStats
}

type HealthResponse struct {
	Status    string                                  `json:"status"`
	Timestamp time.Time                               `json:"timestamp"`
	Services  map[string]string                       `json:"services"`
	Version   string                                  `json:"version"`
	Uptime    string                                  `json:"uptime"`
	Workers   *services.WorkerPoolStats               `json:"workers,omitempty"`
	Breakers  map[string]services.CircuitBreakerStats `json:"breakers,omitempty"`
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, checks: make(map[string]HealthChecker)}
}

// WithCheck registers a dependency probed on every health request. A nil
// checker is reported as disabled.
func (h *HealthHandler) WithCheck(name string, checker HealthChecker) *HealthHandler {
	h.checks[name] = checker
	return h
}

// WithWorkerPool includes pool occupancy in the response.
func (h *HealthHandler) WithWorkerPool(stats func() services.WorkerPoolStats) *HealthHandler {
	h.pool = stats
	return h
}

// WithBreakers includes circuit breaker states in the response.
func (h *HealthHandler) WithBreakers(stats func() map[string]services.CircuitBreakerStats) *HealthHandler {
	h.breakers = stats
	return h
}

// HealthCheck reports 503 when any enabled dependency fails. An open breaker
// only degrades the optional strategy behind it, so it does not fail health.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	statuses := make(map[string]string, len(h.checks))
	for name, checker := range h.checks {
		if checker == nil {
			statuses[name] = "disabled"
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			statuses[name] = "unhealthy: " + err.Error()
			status = "unhealthy"
			continue
		}
		statuses[name] = "healthy"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  statuses,
		Version:   h.version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}
	if h.pool != nil {
		stats := h.pool()
		response.Workers = &stats
	}
	if h.breakers != nil {
		response.Breakers = h.breakers()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}
