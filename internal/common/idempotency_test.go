package common_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/common"
)

func TestIdemRejectsReplayAndReleasesOnServerError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	status := http.StatusOK
	calls := 0
	h := common.Idem{R: rdb, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))
	send := func(path, key string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(common.IdempotencyHeader, key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, send("/sessions/a/checkout/confirm", "k1"))
	require.Equal(t, http.StatusConflict, send("/sessions/a/checkout/confirm", "k1"))
	require.Equal(t, 1, calls)

	// same key on another route is independent
	require.Equal(t, http.StatusOK, send("/sessions/b/checkout/confirm", "k1"))

	status = http.StatusServiceUnavailable
	require.Equal(t, http.StatusServiceUnavailable, send("/sessions/c/checkout/confirm", "k2"))
	status = http.StatusOK
	require.Equal(t, http.StatusOK, send("/sessions/c/checkout/confirm", "k2"))
	require.Equal(t, 4, calls)
}

func TestIdemReleasesRefusedRequests(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	status := http.StatusUnprocessableEntity
	calls := 0
	h := common.Idem{R: rdb, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		common.JSONError(w, status, "INSUFFICIENT_TENDER", "amount received is below the total", nil)
	}))
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/sessions/a/checkout/confirm", nil)
		req.Header.Set(common.IdempotencyHeader, "till-9-0001")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusUnprocessableEntity, send())
	require.Empty(t, mr.Keys())

	status = http.StatusOK
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusConflict, send())
	require.Equal(t, 2, calls)
}

func TestIdemWithoutHeaderPassesThrough(t *testing.T) {
	calls := 0
	h := common.Idem{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))
	}
	require.Equal(t, 2, calls)
}
