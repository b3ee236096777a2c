package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/health"
)

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probe(err error) health.Probe {
	return func(context.Context) error { return err }
}

func ready(t *testing.T, h health.Handler) (int, report) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var out report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr.Code, out
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadySuccess(t *testing.T) {
	code, out := ready(t, health.Handler{Checks: []health.Check{
		{Name: "redis", Probe: probe(nil)},
		{Name: "db", Probe: probe(nil)},
	}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", out.Status)
	require.Equal(t, map[string]string{"redis": "ok", "db": "ok"}, out.Checks)
}

func TestReadyDegradedWhenBackendDown(t *testing.T) {
	code, out := ready(t, health.Handler{Checks: []health.Check{
		{Name: "redis", Probe: probe(nil)},
		{Name: "backend", Probe: probe(errors.New("backend: unavailable")), Optional: true},
	}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "degraded", out.Status)
	require.Equal(t, "backend: unavailable", out.Checks["backend"])
}

func TestReadyFailure(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	code, out := ready(t, health.Handler{Timeout: 10 * time.Millisecond, Checks: []health.Check{
		{Name: "redis", Probe: slow},
	}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unavailable", out.Status)
	require.Contains(t, out.Checks["redis"], "deadline")
}
