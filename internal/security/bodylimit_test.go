package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyLimit(t *testing.T) {
	confirm := `{"amountReceived":"5000"}`
	cases := []struct {
		name          string
		max           int64
		body          string
		contentLength int64
		wantStatus    int
	}{
		{name: "within limit", max: 64, body: confirm, wantStatus: http.StatusOK},
		{name: "exact limit", max: int64(len(confirm)), body: confirm, wantStatus: http.StatusOK},
		{name: "streamed oversized", max: 8, body: confirm, contentLength: -1, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "declared oversized", max: 8, body: "{}", contentLength: 4096, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "disabled", max: 0, body: strings.Repeat("x", 1<<16), wantStatus: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := BodyLimit{Max: tc.max}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				seen = string(data)
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s-1/checkout/confirm", strings.NewReader(tc.body))
			if tc.contentLength != 0 {
				req.ContentLength = tc.contentLength
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantStatus == http.StatusOK {
				require.Equal(t, tc.body, seen)
				return
			}
			require.Contains(t, rr.Body.String(), "PAYLOAD_TOO_LARGE")
			require.Empty(t, seen)
		})
	}
}

func TestBodyLimitSkipsBodylessRequests(t *testing.T) {
	called := false
	handler := BodyLimit{Max: 1}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-1", nil))
	require.True(t, called)
	require.Equal(t, http.StatusNoContent, rr.Code)
}
