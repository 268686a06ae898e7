package connector

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedDataType is returned by fetch methods a platform does not offer.
	ErrUnsupportedDataType = errors.New("data type not supported by platform")
	// ErrMissingCredential is returned when a credential lacks a required field.
	ErrMissingCredential = errors.New("credential is missing a required field")
	// ErrUnknownPlatform is returned by the registry for unregistered platforms.
	ErrUnknownPlatform = errors.New("no connector registered for platform")
)

// TransientError is a retryable failure that exhausted its attempt budget.
type TransientError struct {
	Platform   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient HTTP %d after %d attempts", e.Platform, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("%s: transient failure after %d attempts: %v", e.Platform, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is returned once the rate-limit wait budget is exhausted.
type RateLimitError struct {
	Platform   string
	RetryAfter time.Duration
	Waits      int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d waits (retry after %s)", e.Platform, e.Waits, e.RetryAfter)
}

// AuthError is fatal for the whole ingestion run.
type AuthError struct {
	Platform   string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authentication failed: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: HTTP %d: %s", e.Platform, e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PermanentError is a non-retryable HTTP response.
type PermanentError struct {
	Platform   string
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: request failed: HTTP %d: %s", e.Platform, e.StatusCode, e.Body)
}

// IsAuthError reports whether err is, or wraps, an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRetryable reports whether a later run could succeed without operator action.
func IsRetryable(err error) bool {
	var te *TransientError
	var re *RateLimitError
	return errors.As(err, &te) || errors.As(err, &re)
}
