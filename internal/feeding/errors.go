package feeding

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOrInactiveModule = errors.New("unknown or inactive module")
	ErrNotFound                = errors.New("schedule not found")
	ErrAlreadyCompleted        = errors.New("schedule already completed")
	ErrModuleMismatch          = errors.New("module id mismatch")
	ErrInvalidDate             = errors.New("invalid date")
	ErrInvalidTime             = errors.New("invalid feed time")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrStoreUnavailable        = errors.New("store unavailable")
)

// Code returns a stable machine-readable identifier for the error kind of err.
// Callers that decide between retry and abort should switch on Code or errors.Is,
// never on the message text.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownOrInactiveModule):
		return "unknown_or_inactive_module"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrModuleMismatch):
		return "module_mismatch"
	case errors.Is(err, ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may resubmit the same request after a backoff.
// Only transient persistence failures qualify; AlreadyCompleted means "nothing to do".
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// unavailable wraps a persistence failure so that both the kind and the cause stay inspectable.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if isKnown(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func isKnown(err error) bool {
	c := Code(err)
	return c != "" && c != "internal"
}
