package db

import (
	"errors"

	"github.com/lib/pq"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
)

// wrapErr converts a driver error into an application error. Bad input is a
// validation failure; anything else (connection loss, serialization
// failures, deadlocks, resource exhaustion) may succeed on retry.
func wrapErr(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var stockErr *apperrors.InsufficientStockError
	if errors.As(err, &stockErr) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "22" {
		return apperrors.Validation("%s: %s", message, pqErr.Message)
	}
	return apperrors.Transient(message, err)
}

// isViolation reports whether err is a Postgres error with the given
// SQLSTATE, e.g. 23505 unique_violation or 23503 foreign_key_violation.
func isViolation(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
