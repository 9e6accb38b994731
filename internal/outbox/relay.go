// Package outbox moves committed outbox rows to the broker.
package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultBatchSize      = 100
	DefaultLease          = 5 * time.Second
	DefaultMaxAttempts    = 10
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = time.Minute
)

// Store hands out leased batches of pending messages. A leased message that
// is neither sent nor retried becomes visible again when the lease expires.
type Store interface {
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, ids []int64) error
	// MarkRetry records a failed attempt and hides the message for retryAfter.
	MarkRetry(ctx context.Context, id int64, errMsg string, retryAfter time.Duration) error
	// MarkFailed records a failed attempt and parks the message for good.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

type Publisher interface {
	PublishRaw(ctx context.Context, msg models.OutboxMessage) error
}

type Config struct {
	RelayID   string
	Interval  time.Duration
	BatchSize int
	Lease     time.Duration
	// MaxAttempts bounds messages the broker rejects outright. Transient
	// failures are retried without limit.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RelayID == "" {
		c.RelayID = "relay"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	return c
}

type Relay struct {
	logger    *zap.Logger
	store     Store
	publisher Publisher
	cfg       Config
}

func NewRelay(logger *zap.Logger, store Store, publisher Publisher, cfg Config) *Relay {
	return &Relay{
		logger:    logger,
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	r.logger.Info("🚚 Outbox relay started", zap.String("relay_id", r.cfg.RelayID))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("🛑 Outbox relay stopping", zap.String("relay_id", r.cfg.RelayID))
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Error("❌ Outbox relay batch failed", zap.Error(err))
			}
		}
	}
}

// Flush relays one batch and returns how many messages were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch, err := r.store.LockBatch(ctx, r.cfg.RelayID, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	sent := make([]int64, 0, len(batch))
	for _, msg := range batch {
		if err := r.publisher.PublishRaw(ctx, msg); err != nil {
			r.recordFailure(ctx, msg, err)
			continue
		}
		sent = append(sent, msg.ID)
	}
	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			return 0, err
		}
		r.logger.Debug("📤 Outbox batch relayed", zap.Int("sent", len(sent)))
	}
	return len(sent), nil
}

func (r *Relay) recordFailure(ctx context.Context, msg models.OutboxMessage, err error) {
	attempts := msg.Attempts + 1
	log := r.logger.With(
		zap.Int64("outbox_id", msg.ID),
		zap.String("queue", msg.Queue),
		zap.Int("attempts", attempts),
	)

	var markErr error
	if !apperrors.Retryable(err) && attempts >= r.cfg.MaxAttempts {
		log.Error("🪦 Outbox message parked", zap.Error(err))
		markErr = r.store.MarkFailed(ctx, msg.ID, err.Error())
	} else {
		delay := r.RetryDelay(attempts)
		log.Warn("⚠️ Outbox publish failed, will retry", zap.Duration("retry_in", delay), zap.Error(err))
		markErr = r.store.MarkRetry(ctx, msg.ID, err.Error(), delay)
	}
	if markErr != nil {
		log.Error("❌ Failed to record outbox failure", zap.Error(markErr))
	}
}

// RetryDelay is the jittered exponential delay after the given number of
// failed attempts, capped at RetryMaxDelay.
func (r *Relay) RetryDelay(attempts int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryBaseDelay
	policy.MaxInterval = r.cfg.RetryMaxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	// The interval stops growing long before 64 steps.
	steps := min(attempts, 64)
	delay := r.cfg.RetryBaseDelay
	for i := 0; i < steps; i++ {
		delay = policy.NextBackOff()
	}
	return min(delay, r.cfg.RetryMaxDelay)
}
