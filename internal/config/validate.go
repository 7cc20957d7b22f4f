package config

import (
	"errors"
	"fmt"

	"github.com/eventwatch/eventwatch/pkg/watch"
)

// Validate reports every setting that would prevent the process from running
// once the watches are started.
func (c Config) Validate() error {
	var errs []error

	invalid := func(key string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", watch.ErrConfiguration, key, fmt.Sprintf(format, args...)))
	}

	if c.GracefulDuration <= 0 {
		invalid("gracefulDuration", "must be positive, got %v", c.GracefulDuration)
	}

	if c.Watch.PollInterval <= 0 {
		invalid("watch.pollInterval", "must be positive, got %v", c.Watch.PollInterval)
	}

	if c.Watch.BaseDelay <= 0 {
		invalid("watch.baseDelay", "must be positive, got %v", c.Watch.BaseDelay)
	}

	if c.Watch.MaxDelay < c.Watch.BaseDelay {
		invalid("watch.maxDelay", "must not be below watch.baseDelay (%v), got %v", c.Watch.BaseDelay, c.Watch.MaxDelay)
	}

	if c.Queue.Size <= 0 {
		invalid("queue.size", "must be positive, got %d", c.Queue.Size)
	}

	if c.Queue.Grace < 0 {
		invalid("queue.grace", "must not be negative, got %v", c.Queue.Grace)
	}

	if c.Reader.Timeout < 0 {
		invalid("reader.timeout", "must not be negative, got %v", c.Reader.Timeout)
	}

	if c.Reader.RateLimit < 0 {
		invalid("reader.rateLimit", "must not be negative, got %v", c.Reader.RateLimit)
	}

	if c.Sinks.Retry.Delay < 0 {
		invalid("sinks.retry.delay", "must not be negative, got %v", c.Sinks.Retry.Delay)
	}

	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		invalid("stats.interval", "must be positive, got %v", c.Stats.Interval)
	}

	return errors.Join(errs...)
}
