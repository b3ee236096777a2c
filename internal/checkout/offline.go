package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/queue"
)

// SaleTaskKind is the queue kind carrying offline sales.
const SaleTaskKind = "sale-submit"

// Enqueuer publishes queue tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// QueueAdapter puts offline sales on the task queue, keyed by their reference.
type QueueAdapter struct {
	Queue Enqueuer
}

// EnqueueSale implements RetryQueue.
func (a QueueAdapter) EnqueueSale(ctx context.Context, sale QueuedSale) error {
	if a.Queue == nil {
		return errors.New("checkout: queue not configured")
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("checkout: encode queued sale: %w", err)
	}
	return a.Queue.Enqueue(ctx, queue.Task{
		Kind:           SaleTaskKind,
		Payload:        payload,
		IdempotencyKey: sale.Reference,
	})
}

// Locker runs fn while holding a named lock, failing fast when it is taken.
type Locker interface {
	TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Replayer submits queued sales from the worker.
type Replayer struct {
	Sales   SaleCreator
	Locker  Locker
	LockTTL time.Duration
	// Redis records references already accepted by the backend so a task
	// redelivered after a lost ack is not posted twice.
	Redis   *redis.Client
	DoneTTL time.Duration
	Prefix  string
	Logger  zerolog.Logger
}

func (r Replayer) doneKey(ref string) string {
	prefix := strings.TrimSpace(r.Prefix)
	if prefix == "" {
		prefix = "pos"
	}
	return prefix + ":sale:done:" + ref
}

// Handle is a queue.Worker handler. Rejections are permanent; everything else
// is retried by the queue.
func (r Replayer) Handle(ctx context.Context, task queue.Task) error {
	var sale QueuedSale
	if err := json.Unmarshal(task.Payload, &sale); err != nil {
		observeReplay("invalid")
		return fmt.Errorf("%w: decode queued sale: %v", queue.ErrPermanent, err)
	}
	if strings.TrimSpace(sale.Reference) == "" {
		sale.Reference = task.IdempotencyKey
	}
	if sale.Reference == "" {
		observeReplay("invalid")
		return fmt.Errorf("%w: queued sale without reference", queue.ErrPermanent)
	}
	if r.Sales == nil {
		return errors.New("checkout: sale creator not configured")
	}
	log := r.Logger.With().
		Str("queue_reference", sale.Reference).
		Str("session_id", sale.SessionID).
		Int("attempt", task.Attempt).
		Logger()

	submit := func(ctx context.Context) error {
		if r.Redis != nil {
			done, err := r.Redis.Exists(ctx, r.doneKey(sale.Reference)).Result()
			if err == nil && done > 0 {
				observeReplay("duplicate")
				log.Info().Msg("offline_sale_already_submitted")
				return nil
			}
		}
		created, err := r.Sales.CreateSale(ctx, sale.Request)
		switch {
		case err == nil, errors.Is(err, backend.ErrMalformedResponse):
			observeReplay("ok")
			r.markDone(ctx, sale.Reference, created.TicketNumber)
			log.Info().Str("ticket_number", created.TicketNumber).Dur("queued_for", time.Since(sale.QueuedAt)).Msg("offline_sale_submitted")
			return nil
		case backend.IsRejected(err):
			observeReplay("rejected")
			log.Error().Err(err).Msg("offline_sale_rejected")
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		default:
			observeReplay("retry")
			log.Warn().Err(err).Msg("offline_sale_retry")
			return err
		}
	}

	if r.Locker == nil {
		return submit(ctx)
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	err := r.Locker.TryWithLock(ctx, "sale:"+sale.Reference, ttl, submit)
	if errors.Is(err, lock.ErrNotAcquired) {
		observeReplay("locked")
	}
	return err
}

// SaleSummary is the operator view of a dead-lettered sale.
type SaleSummary struct {
	Reference    string          `json:"reference"`
	SessionID    string          `json:"sessionId"`
	TerminalID   string          `json:"terminalId,omitempty"`
	CurrencyCode string          `json:"currencyCode"`
	Lines        int             `json:"lines"`
	Total        decimal.Decimal `json:"total"`
	QueuedAt     time.Time       `json:"queuedAt"`
}

// DescribeQueuedSale summarises a queued sale payload for the dead-letter
// listing. Other kinds and unreadable payloads yield nil.
func DescribeQueuedSale(kind string, payload []byte) any {
	if kind != SaleTaskKind {
		return nil
	}
	var sale QueuedSale
	if err := json.Unmarshal(payload, &sale); err != nil {
		return nil
	}
	return SaleSummary{
		Reference:    sale.Reference,
		SessionID:    sale.SessionID,
		TerminalID:   sale.TerminalID,
		CurrencyCode: sale.Request.CurrencyCode,
		Lines:        len(sale.Request.Lines),
		Total:        sale.Total,
		QueuedAt:     sale.QueuedAt,
	}
}

func (r Replayer) markDone(ctx context.Context, ref, ticket string) {
	if r.Redis == nil {
		return
	}
	ttl := r.DoneTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if ticket == "" {
		ticket = "accepted"
	}
	if err := r.Redis.Set(context.WithoutCancel(ctx), r.doneKey(ref), ticket, ttl).Err(); err != nil {
		r.Logger.Warn().Err(err).Str("queue_reference", ref).Msg("offline_sale_mark_done_failed")
	}
}

func observeReplay(result string) {
	if obs.OfflineReplayTotal != nil {
		obs.OfflineReplayTotal.WithLabelValues(result).Inc()
	}
}
