package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/backend-pos/internal/common"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness flag; the API clears it when draining.
func SetReady(v bool) { ready.Store(v) }

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Check is a named probe. Optional checks only degrade the report: the till
// keeps selling while the retail backend is down.
type Check struct {
	Name     string
	Probe    Probe
	Optional bool
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checks  []Check
	Timeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every check concurrently and reports 503 when a required one
// fails or the process is shutting down.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}

	type result struct {
		name     string
		optional bool
		err      error
	}
	results := make([]result, len(h.Checks))
	var wg sync.WaitGroup
	for i, c := range h.Checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
			defer cancel()
			var err error
			if c.Probe != nil {
				err = c.Probe(ctx)
			}
			results[i] = result{name: c.Name, optional: c.Optional, err: err}
		}(i, c)
	}
	wg.Wait()

	checks := make(map[string]string, len(results))
	overall, code := "ok", http.StatusOK
	for _, res := range results {
		if res.err == nil {
			checks[res.name] = "ok"
			continue
		}
		checks[res.name] = res.err.Error()
		if res.optional {
			if overall == "ok" {
				overall = "degraded"
			}
			continue
		}
		overall, code = "unavailable", http.StatusServiceUnavailable
	}
	common.JSON(w, code, map[string]any{"status": overall, "checks": checks})
}

func (h Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.Timeout
}
