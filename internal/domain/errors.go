package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation and rejections surface synchronously to the
// caller; gateway errors are retried internally; race warnings are logged
// and never abort a healthy strategy.

// ValidationError rejects malformed or semantically invalid parameters
// before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError is shorthand used by parameter checks.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RejectionCode classifies business-level exchange rejections.
type RejectionCode string

const (
	RejectInsufficientBalance RejectionCode = "INSUFFICIENT_BALANCE"
	RejectInvalidSymbol       RejectionCode = "INVALID_SYMBOL"
	RejectInvalidQuantity     RejectionCode = "INVALID_QUANTITY"
)

// ExchangeRejection is a definitive no from the venue. Never retried.
type ExchangeRejection struct {
	Code RejectionCode
	Msg  string
}

func (e *ExchangeRejection) Error() string {
	return fmt.Sprintf("exchange rejection %s: %s", e.Code, e.Msg)
}

// GatewayError wraps a transient network or server failure. Retried with
// bounded backoff; surfaced as UNKNOWN_STATE only after exhaustion.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// FatalStrategyError marks an irrecoverable inconsistency. The instance
// moves to FAILED and takes no further automatic action.
type FatalStrategyError struct {
	StrategyID string
	Reason     string
}

func (e *FatalStrategyError) Error() string {
	return fmt.Sprintf("fatal strategy %s: %s", e.StrategyID, e.Reason)
}

// Cancel-path sentinels returned by the gateway.
var (
	ErrAlreadyFilled = errors.New("order already filled")
	ErrOrderNotFound = errors.New("order not found")
	ErrRateLimited   = errors.New("rate limited by exchange")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}
