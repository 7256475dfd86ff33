package helpers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-relay/src/logger"

	"github.com/cenkalti/backoff/v5"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	ErrNotConnected  = errors.New("not connected to gateway")
	ErrTimeout       = errors.New("request timed out")
	ErrExhausted     = errors.New("reconnect attempts exhausted")
	ErrAuthRejected  = errors.New("gateway rejected session")
	ErrClosed        = errors.New("closed")
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrAlertNotFound = errors.New("alert not found")
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type RelayError struct {
	Message string
	Cause   error
}

func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// Distinct error types for errors.As
type ConfigurationError struct{ RelayError }
type ConnectionError struct{ RelayError }
type StorageError struct{ RelayError }
type ValidationError struct{ RelayError }
type ClientError struct{ RelayError }

// GatewayRequestError is a gateway-reported failure of one request.
// It never affects the health of the session.
type GatewayRequestError struct {
	Handle  int64
	Code    int
	Message string
}

func (e *GatewayRequestError) Error() string {
	return fmt.Sprintf("gateway error %d on request %d: %s", e.Code, e.Handle, e.Message)
}

// -----------------------------------------------------------------------------

func NewConnectionError(message string, cause error) error {
	return &ConnectionError{RelayError{Message: message, Cause: cause}}
}

func NewStorageError(message string, cause error) error {
	return &StorageError{RelayError{Message: message, Cause: cause}}
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{RelayError{Message: fmt.Sprintf(format, args...)}}
}

func NewClientError(message string, cause error) error {
	return &ClientError{RelayError{Message: message, Cause: cause}}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff runs fn up to maxRetries times with exponential backoff
// starting at baseDelay. Errors wrapped with backoff.Permanent stop retrying.
func RetryWithBackoff(ctx context.Context, log *logger.Logger, operation string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = baseDelay * 16

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if log != nil {
				log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt, maxRetries, operation, err, delay)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, err)
	}
	return nil
}
