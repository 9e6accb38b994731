package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultProcessedTTL = 24 * time.Hour

// ProcessedLedger records processed message ids in Redis so redeliveries
// can be acknowledged without doing the work again. Entries expire after ttl.
type ProcessedLedger struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProcessedLedger(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ProcessedLedger {
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	return &ProcessedLedger{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func processedKey(queue, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", queue, eventID)
}

// Seen reports whether the event was already marked for queue.
func (l *ProcessedLedger) Seen(ctx context.Context, queue, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, processedKey(queue, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return n > 0, nil
}

// Mark records the event as processed. Marking twice is harmless.
func (l *ProcessedLedger) Mark(ctx context.Context, queue, eventID string) error {
	created, err := l.client.SetNX(ctx, processedKey(queue, eventID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to mark processed message: %w", err)
	}
	if !created {
		l.logger.Debug("📌 Message was already marked", zap.String("queue", queue), zap.String("message_id", eventID))
	}
	return nil
}
