package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/outbox"
)

var _ outbox.Store = (*Store)(nil)

func enqueueOutbox(ctx context.Context, q querier, msg models.OutboxMessage) error {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox headers: %w", err)
	}

	query := `INSERT INTO outbox (event_id, queue, payload, headers) VALUES ($1, $2, $3, $4)`
	if _, err := q.ExecContext(ctx, query, msg.EventID, msg.Queue, string(msg.Payload), string(headerJSON)); err != nil {
		return wrapErr("failed to enqueue outbox message", err)
	}
	return nil
}

// LockBatch leases up to batchSize pending messages to relayID. Rows locked
// by another relay are skipped, and rows whose lease expired are handed out
// again.
func (s *Store) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]models.OutboxMessage, error) {
	query := `
		UPDATE outbox
		SET locked_by = $1, locked_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until < now())
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING id, event_id, queue, payload, headers, attempts, COALESCE(last_error, ''), created_at
	`
	rows, err := s.db.QueryContext(ctx, query, relayID, lease.Seconds(), batchSize)
	if err != nil {
		return nil, wrapErr("failed to lock outbox batch", err)
	}
	defer rows.Close()

	var batch []models.OutboxMessage
	for rows.Next() {
		var (
			msg        models.OutboxMessage
			headerJSON []byte
		)
		if err := rows.Scan(&msg.ID, &msg.EventID, &msg.Queue, &msg.Payload, &headerJSON, &msg.Attempts, &msg.LastError, &msg.CreatedAt); err != nil {
			return nil, wrapErr("failed to scan outbox message", err)
		}
		if err := json.Unmarshal(headerJSON, &msg.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode outbox headers for %d: %w", msg.ID, err)
		}
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("failed to read outbox batch", err)
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	return batch, nil
}

func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	query := `UPDATE outbox SET status = 'sent', sent_at = now(), locked_by = NULL, locked_until = NULL WHERE id = ANY($1)`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return wrapErr("failed to mark outbox messages sent", err)
	}
	return nil
}

// MarkRetry records a failed attempt and keeps the row leased until the
// retry delay has passed.
func (s *Store) MarkRetry(ctx context.Context, id int64, errMsg string, retryAfter time.Duration) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
			last_error = $2,
			locked_by = NULL,
			locked_until = now() + make_interval(secs => $3)
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, errMsg, retryAfter.Seconds()); err != nil {
		return wrapErr("failed to schedule outbox retry", err)
	}
	return nil
}

// MarkFailed parks the row; the relay will not pick it up again.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
			last_error = $2,
			locked_by = NULL,
			locked_until = NULL,
			status = 'failed'
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, errMsg); err != nil {
		return wrapErr("failed to mark outbox message failed", err)
	}
	return nil
}
