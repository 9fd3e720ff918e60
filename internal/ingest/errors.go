package ingest

import (
	"errors"
	"time"

	"telecom-ingest/internal/signature"
	"telecom-ingest/internal/telephony"
)

// Re-exported so callers can classify pipeline failures against one package.
var (
	ErrAuthentication         = signature.ErrAuthentication
	ErrStaleRequest           = signature.ErrStaleRequest
	ErrMalformedPayload       = telephony.ErrMalformedPayload
	ErrUnrecognizedEventShape = telephony.ErrUnrecognizedEventShape
)

// TransientError is retried through queue backoff. RetryAfter, when set, is a
// lower bound on the next delay.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string             { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error             { return e.Err }
func (e *TransientError) Retryable() bool           { return true }
func (e *TransientError) RetryDelay() time.Duration { return e.RetryAfter }

// PersistentError will fail the same way on every attempt.
type PersistentError struct {
	Err error
}

func (e *PersistentError) Error() string   { return "persistent: " + e.Err.Error() }
func (e *PersistentError) Unwrap() error   { return e.Err }
func (e *PersistentError) Retryable() bool { return false }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	var t *TransientError
	if errors.As(err, &t) {
		return err
	}
	return &TransientError{Err: err}
}

func Persistent(err error) error {
	if err == nil {
		return nil
	}
	var p *PersistentError
	if errors.As(err, &p) {
		return err
	}
	return &PersistentError{Err: err}
}
