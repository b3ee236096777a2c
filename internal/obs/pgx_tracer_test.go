package obs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{"SELECT id FROM queue_dlq WHERE kind = $1", "SELECT", "queue_dlq"},
		{"\n\t\tINSERT INTO admin_audit (actor) VALUES ($1)", "INSERT", "admin_audit"},
		{"delete from queue_dlq where id = $1", "DELETE", "queue_dlq"},
		{"SELECT 1", "SELECT", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		require.Equal(t, tc.op, op, tc.sql)
		require.Equal(t, tc.table, table, tc.sql)
	}
	require.Len(t, truncateSQL(strings.Repeat("x", 400)), maxStatementLen+3)
}

func TestPGXTracerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	var tracer PGXTracer
	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "DELETE FROM queue_dlq WHERE id = $1"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("DELETE 1")})

	ctx = tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT * FROM admin_audit"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("relation does not exist")})

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "pgx DELETE queue_dlq", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, "pgx SELECT admin_audit", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)
}
