package watch

import (
	"errors"
	"fmt"
)

// Reader errors

var (
	ErrConnection    = errors.New("connection error")
	ErrCursorInvalid = errors.New("cursor invalid")
)

func NewConnectionError(err error) error {
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

func NewCursorInvalidError(err error) error {
	return fmt.Errorf("%w: %w", ErrCursorInvalid, err)
}

// ConfigurationError

var ErrConfiguration = errors.New("configuration error")

type ConfigurationError struct {
	Machine string
	Log     string
	Reason  string
}

func NewConfigurationError(machine, log, reason string, args ...any) ConfigurationError {
	return ConfigurationError{
		Machine: machine,
		Log:     log,
		Reason:  fmt.Sprintf(reason, args...),
	}
}

func (e ConfigurationError) Error() string {
	if e.Machine == "" && e.Log == "" {
		return fmt.Sprintf("%v: %s", ErrConfiguration, e.Reason)
	}

	return fmt.Sprintf("%v: %s/%s: %s", ErrConfiguration, e.Machine, e.Log, e.Reason)
}

func (e ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// ErrRetryableError

var ErrRetryableError = errors.New("retryable error")

func NewErrRetryableError(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryableError, err)
}
