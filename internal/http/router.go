// Package httpx serves the deployer's optional operations endpoint.
package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Router exposes /metrics and /healthz.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	state    func() string
}

// Option customises a Router.
type Option func(*Router)

// WithHealthCheck adds a named component to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(r *Router) {
		r.checks[name] = check
	}
}

// WithState reports the worker lifecycle state on /healthz.
func WithState(state func() string) Option {
	return func(r *Router) {
		r.state = state
	}
}

// New creates and registers handlers.
func New(logger *slog.Logger, gatherer prometheus.Gatherer, opts ...Option) *Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		gatherer: gatherer,
		checks:   make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/healthz", r.handleHealth)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]any, len(names))
	for _, name := range names {
		component := map[string]any{"status": "up"}
		if err := r.checks[name](ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
		components[name] = component
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.state != nil {
		payload["worker"] = r.state()
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
