package common

import (
	"errors"
	"fmt"

	"github.com/eventwatch/eventwatch/pkg/watch"
)

var ErrAlreadyRunning = errors.New("another instance is running")

// NewDeliveryError adds context to a sink failure.
func NewDeliveryError(err error, reason string, args ...interface{}) error {
	cause := fmt.Sprintf(reason, args...)

	return fmt.Errorf("%s: %w", cause, err)
}

// NewRetryableDeliveryError marks the failure as worth retrying by watch.NewRetrySink.
func NewRetryableDeliveryError(err error, reason string, args ...interface{}) error {
	return NewDeliveryError(watch.NewErrRetryableError(err), reason, args...)
}
