// Package health serves the probe endpoints of the relay:
//
//   - /health:  compatibility probe for the web client; always
//     {"status":"healthy"}.
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz:  readiness probe; returns 200 only when every registered
//     [Checker] passes.
//
// /healthz and /readyz respond with a top-level "status" field ("ok" or
// "fail") and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/centrum-dating/centrum/internal/storage"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// probeKey is the object rewritten by the storage readiness check.
const probeKey = ".health/probe"

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "profiles").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies with a connectivity check, such as
// the profile store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports the dependency as ready when Ping succeeds.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// StorageChecker reports durable storage as ready when a small probe object
// can be written.
func StorageChecker(s storage.Storage) Checker {
	return Checker{
		Name: "storage",
		Check: func(ctx context.Context) error {
			stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
			if _, err := s.Write(ctx, probeKey, stamp); err != nil {
				return fmt.Errorf("not writable: %w", err)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers, in order, on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Health is the probe the web client polls.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "healthy"})
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every [Checker] passes. Each check gets a
// [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
