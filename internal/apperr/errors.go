// Package apperr holds the error taxonomy shared by the services and the job queue.
package apperr

import (
	"errors"
	"fmt"
)

// Rejection reason codes returned to callers
const (
	ReasonAuctionNotFound  = "auction_not_found"
	ReasonAuctionNotActive = "auction_not_active"
	ReasonAuctionEnded     = "auction_ended"
	ReasonBidTooLow        = "bid_too_low"
	ReasonOutbid           = "outbid"
	ReasonRoundNotFound    = "round_not_found"
	ReasonRoundNotOpen     = "round_not_open"
	ReasonInvalidQuantity  = "invalid_quantity"
	ReasonSoldOut          = "sold_out"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonUnknownPackage   = "unknown_package"
)

// ErrReconciliationRequired marks a payment that needs a human decision
var ErrReconciliationRequired = errors.New("payment requires manual reconciliation")

// ValidationError is a synchronous rejection; it is never retried
type ValidationError struct {
	Reason string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// Validation creates a ValidationError with a reason code
func Validation(reason, format string, args ...interface{}) error {
	return &ValidationError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure that may succeed on a later attempt
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ConflictError reports a lost compare-and-set
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict updating %s %s", e.Entity, e.ID)
}

// Conflict creates a ConflictError
func Conflict(entity, id string) error {
	return &ConflictError{Entity: entity, ID: id}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Reason extracts the reason code of a ValidationError, or "" otherwise
func Reason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// IsRetryable decides whether a failed job goes back to the queue
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || errors.Is(err, ErrReconciliationRequired) {
		return false
	}
	return true
}
