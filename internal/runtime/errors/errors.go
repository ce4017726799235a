package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired     = sterrors.New("flotilla: service is required")
	ErrHandlerRequired     = sterrors.New("flotilla: handler function is required")
	ErrHandlerNameRequired = sterrors.New("flotilla: handler name is required")
	ErrDuplicateHandler    = sterrors.New("flotilla: handler name already registered")
	ErrTopicRequired       = sterrors.New("flotilla: topic is required")
	ErrConfigRequired      = sterrors.New("flotilla: configuration is required")
	ErrLoggerRequired      = sterrors.New("flotilla: logger is required")
	ErrBrokerRequired      = sterrors.New("flotilla: broker is required for subscriptions and publishing")
	ErrScheduleRequired    = sterrors.New("flotilla: schedule is required")
	ErrRouteRequired       = sterrors.New("flotilla: route method and pattern are required")
	ErrAlreadyStarted      = sterrors.New("flotilla: service already started")
	ErrNotStarted          = sterrors.New("flotilla: service not started")
	ErrInvalidSchedule     = sterrors.New("flotilla: invalid schedule")
	ErrInvalidMiddleware   = sterrors.New("flotilla: unsupported middleware signature")
	ErrWildcardUnsupported = sterrors.New("flotilla: transport does not support wildcard topics")

	// ErrNamedQueueRequiresCompeting rejects a caller-supplied queue name on a
	// subscription that is not marked as a competing consumer.
	ErrNamedQueueRequiresCompeting = sterrors.New("flotilla: a named queue requires competing consumers")

	// ErrRetry marks a handler failure that must leave the message on the
	// queue so the broker redelivers it.
	ErrRetry = sterrors.New("flotilla: internal service error, message left for redelivery")
)

// ConfigValidationError wraps configuration problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flotilla: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// RegistrationError names the registration that failed validation.
type RegistrationError struct {
	Kind string
	Name string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("flotilla: invalid %s registration %q: %v", e.Kind, e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// RetryableError carries the cause of a failure that should be retried by
// broker redelivery instead of being acknowledged.
type RetryableError struct {
	Cause error
}

// Retry wraps cause so the consumption loop leaves the message for redelivery.
func Retry(cause error) error {
	return &RetryableError{Cause: cause}
}

func (e *RetryableError) Error() string {
	if e.Cause == nil {
		return ErrRetry.Error()
	}
	return fmt.Sprintf("%s: %v", ErrRetry.Error(), e.Cause)
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

func (e *RetryableError) Is(target error) bool {
	return target == ErrRetry
}

// IsRetryable reports whether err asks for broker redelivery.
func IsRetryable(err error) bool {
	return sterrors.Is(err, ErrRetry)
}
