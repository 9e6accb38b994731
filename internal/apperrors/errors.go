package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInsufficientStock Kind = "insufficient_stock"
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindTransient         Kind = "transient"
	KindPoison            Kind = "poison"
)

// Error is the typed error carried through the order and inventory paths.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// InsufficientStockError identifies the product and the shortfall.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d (short by %d)",
		e.ProductID, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(from, to string) error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("cannot move order from %s to %s", from, to)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a write that clashes with existing state, such as a
// duplicate id or a product still referenced by orders.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStock(productID string, requested, available int) error {
	return &InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
}

// Transient marks err as retryable infrastructure failure.
func Transient(message string, err error) error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// Poison marks a message that can never be processed.
func Poison(message string, err error) error {
	return &Error{Kind: KindPoison, Message: message, Err: err}
}

// KindOf returns the kind of the first typed error in the chain.
// Untyped errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var stock *InsufficientStockError
	if errors.As(err, &stock) {
		return KindInsufficientStock
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether redelivering the work could succeed.
func Retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return KindOf(err) == KindTransient
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientStock, KindValidation, KindInvalidTransition, KindPoison:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
