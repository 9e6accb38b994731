package memory

import (
	"context"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/outbox"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

type relayState struct {
	status      string
	attempts    int
	lastError   string
	lockedBy    string
	lockedUntil time.Time
}

var _ outbox.Store = (*Store)(nil)

func (s *Store) relayStateOf(id int64) *relayState {
	rs, ok := s.relay[id]
	if !ok {
		rs = &relayState{status: outboxPending}
		s.relay[id] = rs
	}
	return rs
}

func (s *Store) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]models.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var batch []models.OutboxMessage
	for _, msg := range s.st.outbox {
		if len(batch) >= batchSize {
			break
		}
		rs := s.relayStateOf(msg.ID)
		if rs.status != outboxPending || now.Before(rs.lockedUntil) {
			continue
		}
		rs.lockedBy = relayID
		rs.lockedUntil = now.Add(lease)
		msg.Attempts = rs.attempts
		msg.LastError = rs.lastError
		batch = append(batch, msg)
	}
	return batch, nil
}

func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rs := s.relayStateOf(id)
		rs.status = outboxSent
		rs.lockedBy = ""
	}
	return nil
}

func (s *Store) MarkRetry(ctx context.Context, id int64, errMsg string, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.relayStateOf(id)
	rs.attempts++
	rs.lastError = errMsg
	rs.lockedBy = ""
	rs.lockedUntil = time.Now().Add(retryAfter)
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.relayStateOf(id)
	rs.attempts++
	rs.lastError = errMsg
	rs.lockedBy = ""
	rs.lockedUntil = time.Time{}
	rs.status = outboxFailed
	return nil
}

// OutboxAttempts reports how many failed publish attempts a message has.
func (s *Store) OutboxAttempts(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayStateOf(id).attempts
}

// OutboxStatus reports the relay status of a message: pending, sent or failed.
func (s *Store) OutboxStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayStateOf(id).status
}
