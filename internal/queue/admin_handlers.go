package queue

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pos/internal/common"
)

// DescribeFunc renders a human readable summary of a dead task's payload.
// A nil result omits the summary.
type DescribeFunc func(kind string, payload []byte) any

// AdminHandler lets operators inspect, replay and discard dead-lettered tasks.
type AdminHandler struct {
	Store             Store
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
	// DefaultKind is used when a request names no kind.
	DefaultKind string
	Describe    DescribeFunc
	Validate    *validator.Validate
}

type deadTask struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Key         string    `json:"idempotencyKey"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   *string   `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt,omitzero"`
	DeadAt      time.Time `json:"createdAt"`
	Summary     any       `json:"summary,omitempty"`
}

type replayRequest struct {
	IDs   []string `json:"ids" validate:"omitempty,max=200,dive,required"`
	Kind  string   `json:"kind" validate:"omitempty,max=64"`
	Limit int      `json:"limit" validate:"omitempty,min=1,max=200"`
	// ResetAttempts gives the task its full retry budget again.
	ResetAttempts bool `json:"resetAttempts"`
}

type queueStats struct {
	Kind              string  `json:"kind"`
	Ready             int64   `json:"ready"`
	Processing        int64   `json:"processing"`
	DLQ               int64   `json:"dlq"`
	OldestLagMS       int64   `json:"oldest_lag_ms"`
	VisibilityTimeout float64 `json:"visibility_timeout"`
}

// ListDLQ pages through dead tasks, newest first.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store unavailable", nil)
		return
	}
	ctx := r.Context()
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	limit, offset := parsePagination(r, h.pageSize())

	entries, err := h.Store.ListQueueDlq(ctx, kind, limit, offset)
	if err != nil {
		h.Logger.Error().Err(err).Str("kind", kind).Msg("queue_dlq_list_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "list dead tasks", nil)
		return
	}
	total, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		h.Logger.Error().Err(err).Str("kind", kind).Msg("queue_dlq_count_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "count dead tasks", nil)
		return
	}

	items := make([]deadTask, 0, len(entries))
	for _, entry := range entries {
		items = append(items, h.view(entry))
	}
	resp := map[string]any{"data": items, "total": total}
	if kind != "" {
		resp["kind"] = kind
	}
	common.JSON(w, http.StatusOK, resp)
}

// ReplayDLQ puts dead tasks back on their queue, either the listed ids or the
// oldest entries of a kind.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue dependencies unavailable", nil)
		return
	}
	var req replayRequest
	if !common.DecodeJSON(w, r, &req, h.Validate) {
		return
	}
	ids := uniqueStrings(req.IDs)
	kind := sanitizeKind(strings.TrimSpace(req.Kind))
	if len(ids) == 0 && kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
		return
	}

	ctx := r.Context()
	var entries []DLQEntry
	failed := make(map[string]string)
	if len(ids) > 0 {
		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				failed[raw] = "invalid uuid"
				continue
			}
			entry, err := h.Store.GetQueueDlq(ctx, id)
			if errors.Is(err, ErrEntryNotFound) {
				failed[raw] = "not found"
				continue
			}
			if err != nil {
				failed[raw] = err.Error()
				continue
			}
			entries = append(entries, entry)
		}
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		var err error
		if entries, err = h.Store.ListQueueDlq(ctx, kind, limit, 0); err != nil {
			h.Logger.Error().Err(err).Str("kind", kind).Msg("queue_dlq_list_failed")
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "list dead tasks", nil)
			return
		}
	}

	replayed := make([]uuid.UUID, 0, len(entries))
	touched := make(map[string]struct{})
	for _, entry := range entries {
		if err := h.requeue(ctx, entry, req.ResetAttempts); err != nil {
			failed[entry.ID.String()] = err.Error()
			continue
		}
		replayed = append(replayed, entry.ID)
		touched[entry.Kind] = struct{}{}
	}
	for k := range touched {
		h.refreshGauges(ctx, k)
	}

	h.Logger.Info().
		Int("replayed", len(replayed)).
		Int("failed", len(failed)).
		Str("kind", kind).
		Bool("reset_attempts", req.ResetAttempts).
		Msg("queue_dlq_replayed")
	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// DiscardDLQ drops one dead task for good.
func (h *AdminHandler) DiscardDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store unavailable", nil)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	ctx := r.Context()
	entry, err := h.Store.GetQueueDlq(ctx, id)
	if err == nil {
		err = h.Store.DeleteQueueDlq(ctx, id)
	}
	switch {
	case errors.Is(err, ErrEntryNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "dead task not found", nil)
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("id", id.String()).Msg("queue_dlq_discard_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discard dead task", nil)
		return
	}
	h.refreshGauges(ctx, entry.Kind)
	h.Logger.Warn().Str("id", id.String()).Str("kind", entry.Kind).Str("key", entry.IdempotencyKey).Msg("queue_dlq_discarded")
	common.Data(w, http.StatusOK, h.view(entry))
}

// Stats reports queue depth, in-flight and dead task counts for a kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue dependencies unavailable", nil)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		kind = sanitizeKind(h.DefaultKind)
	}
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	stats, err := h.stats(r.Context(), kind)
	if err != nil {
		h.Logger.Error().Err(err).Str("kind", kind).Msg("queue_stats_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "read queue stats", nil)
		return
	}
	if QueueDepth != nil {
		QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(stats.Ready))
	}
	if QueueDLQSize != nil {
		QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(stats.DLQ))
	}
	common.JSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) stats(ctx context.Context, kind string) (queueStats, error) {
	readyKey := queueKey(h.Queue.Prefix, kind)
	s := queueStats{Kind: kind, VisibilityTimeout: h.visibility().Seconds()}

	pipe := h.Queue.R.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	inflight := pipe.ZCard(ctx, processingKey(h.Queue.Prefix, kind))
	oldest := pipe.ZRangeWithScores(ctx, readyKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return s, err
	}
	s.Ready = ready.Val()
	s.Processing = inflight.Val()
	if head := oldest.Val(); len(head) > 0 {
		if due := time.Unix(0, int64(head[0].Score)); due.Before(time.Now()) {
			s.OldestLagMS = time.Since(due).Milliseconds()
		}
	}

	dlq, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		return s, err
	}
	s.DLQ = dlq
	return s, nil
}

// requeue enqueues the dead task and removes it from the store. Without a
// reset the task keeps its attempt count minus one, so it gets one more try.
func (h *AdminHandler) requeue(ctx context.Context, entry DLQEntry, reset bool) error {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return err
	}
	attempt := 0
	if !reset && msg.Attempt > 0 {
		attempt = msg.Attempt - 1
	}
	if err := h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        attempt,
	}); err != nil {
		return err
	}
	return h.Store.DeleteQueueDlq(ctx, entry.ID)
}

func (h *AdminHandler) refreshGauges(ctx context.Context, kind string) {
	if QueueDLQSize != nil {
		if count, err := h.Store.CountQueueDlq(ctx, kind); err == nil {
			QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(count))
		}
	}
	if QueueDepth != nil {
		if depth, err := h.Queue.Depth(ctx, kind); err == nil {
			QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(depth))
		}
	}
}

func (h *AdminHandler) view(entry DLQEntry) deadTask {
	item := deadTask{
		ID:        entry.ID,
		Kind:      entry.Kind,
		Key:       entry.IdempotencyKey,
		Attempts:  entry.Attempts,
		LastError: entry.LastError,
		DeadAt:    entry.CreatedAt,
	}
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return item
	}
	item.MaxAttempts = msg.MaxAttempts
	if msg.EnqueuedAt > 0 {
		item.EnqueuedAt = time.Unix(0, msg.EnqueuedAt)
	}
	if h.Describe != nil {
		item.Summary = h.Describe(msg.Kind, msg.Payload)
	}
	return item
}

func (h *AdminHandler) visibility() time.Duration {
	if h.VisibilityTimeout <= 0 {
		return 60 * time.Second
	}
	return h.VisibilityTimeout
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func parsePagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	q := r.URL.Query()
	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit"))); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("offset"))); err == nil && n >= 0 {
		offset = n
	}
	return limit, offset
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
