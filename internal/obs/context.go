package obs

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// TerminalHeader identifies the till a request originates from.
const TerminalHeader = "X-Terminal-ID"

type (
	routePatternKey struct{}
	terminalKey     struct{}
)

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext extracts the route pattern from context if present.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(routePatternKey{}).(string)
	return v
}

// WithTerminal stores the till identifier on the context.
func WithTerminal(ctx context.Context, terminal string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, terminalKey{}, terminal)
}

// TerminalFromContext returns the till identifier, falling back to "".
func TerminalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(terminalKey{}).(string)
	return v
}

// TerminalMiddleware copies the X-Terminal-ID header onto the request context.
func TerminalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if terminal := strings.TrimSpace(r.Header.Get(TerminalHeader)); terminal != "" {
			r = r.WithContext(WithTerminal(r.Context(), terminal))
		}
		next.ServeHTTP(w, r)
	})
}

// routeOf resolves the route label for r, preferring the pattern recorded on
// the context over the raw path.
func routeOf(r *http.Request, fallback string) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return fallback
}
