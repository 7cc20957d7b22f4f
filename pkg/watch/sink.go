package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, notification Notification) error

func (f SinkFunc) Deliver(ctx context.Context, notification Notification) error {
	return f(ctx, notification)
}

// Parallel Sink

type parallelSink struct {
	sinks []Sink
}

// NewParallelSink delivers to every sink concurrently. A failing sink does not
// cancel the others; all errors are joined.
func NewParallelSink(sinks ...Sink) Sink {
	return parallelSink{
		sinks: sinks,
	}
}

func (p parallelSink) Deliver(ctx context.Context, notification Notification) error {
	var group errgroup.Group

	errs := make([]error, len(p.sinks))

	for i, s := range p.sinks {
		i, sink := i, s

		group.Go(func() error {
			errs[i] = sink.Deliver(ctx, notification)

			return nil
		})
	}

	_ = group.Wait()

	return errors.Join(errs...)
}

// Panic handler Sink

type panicHandlerSink struct {
	sink Sink
}

func NewPanicHandlerSink(sink Sink) Sink {
	return panicHandlerSink{
		sink: sink,
	}
}

func (p panicHandlerSink) Deliver(ctx context.Context, notification Notification) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("unexpected error: %v", r)
		}
	}()

	err = p.sink.Deliver(ctx, notification)

	return
}

// Retry Sink

type retrySink struct {
	sink   Sink
	config RetryConfig
}

type RetryConfig struct {
	MaxAttempt uint
	Delay      time.Duration
}

// NewRetrySink retries deliveries failing with ErrRetryableError.
func NewRetrySink(sink Sink, config RetryConfig) Sink {
	return retrySink{
		sink:   sink,
		config: config,
	}
}

func (p retrySink) Deliver(ctx context.Context, notification Notification) error {
	return retry.Do(
		func() error {
			return p.sink.Deliver(ctx, notification)
		},
		retry.Context(ctx),
		retry.Attempts(p.config.MaxAttempt),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrRetryableError)
		}),
		retry.Delay(p.config.Delay),
		retry.LastErrorOnly(true),
	)
}

// Error count Sink

type errorCountSink struct {
	sink    Sink
	name    string
	counter *prometheus.CounterVec
}

func NewErrorCountSink(sink Sink, name string, registry prometheus.Registerer, config MetricsConfig) (Sink, error) {
	counter, err := registerOrGet(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "sink_error_total",
		Help:      "Delivery errors by sink.",
	}, []string{"sink"}))
	if err != nil {
		return nil, err
	}

	ret := errorCountSink{
		sink:    sink,
		name:    name,
		counter: counter,
	}

	return ret, nil
}

func (p errorCountSink) Deliver(ctx context.Context, notification Notification) error {
	err := p.sink.Deliver(ctx, notification)
	if err != nil {
		p.counter.WithLabelValues(p.name).Inc()
	}

	return err
}

// Count Sink

type countSink struct {
	sink    Sink
	counter *prometheus.CounterVec
}

func NewCountSink(sink Sink, registry prometheus.Registerer, config MetricsConfig) (Sink, error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "notification_total",
		Help:      "Notifications by machine, log and kind.",
	}, []string{"machine", "log", "kind"})

	err := registry.Register(counter)
	if err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	ret := countSink{
		sink:    sink,
		counter: counter,
	}

	return ret, nil
}

func (p countSink) Deliver(ctx context.Context, notification Notification) error {
	defer p.counter.WithLabelValues(notification.Machine, notification.Log, string(notification.Kind)).Inc()

	return p.sink.Deliver(ctx, notification)
}

// Lag Metric Sink

type lagSink struct {
	sink      Sink
	histogram prometheus.Histogram
	clock     clockwork.Clock
}

// NewLagMetricsSink observes the time between an event being written and its
// notification reaching the sink.
func NewLagMetricsSink(sink Sink, registry prometheus.Registerer, clock clockwork.Clock, config MetricsConfig) (Sink, error) {
	buckets := config.Buckets
	if len(buckets) == 0 {
		buckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}
	}

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "notification_lag_seconds",
		Help:      "Time between an event being written and its notification being delivered.",
		Buckets:   buckets,
	})

	err := registry.Register(histogram)
	if err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	ret := lagSink{
		sink:      sink,
		histogram: histogram,
		clock:     clock,
	}

	return ret, nil
}

func (p lagSink) Deliver(ctx context.Context, notification Notification) error {
	if notification.Kind == KindEvent && !notification.Timestamp.IsZero() {
		p.histogram.Observe(p.computeLag(notification).Seconds())
	}

	return p.sink.Deliver(ctx, notification)
}

// Clock skew between the machine and the monitor can make the lag negative.
func (p lagSink) computeLag(notification Notification) time.Duration {
	lag := p.clock.Since(notification.Timestamp)
	if lag < 0 {
		return 0
	}

	return lag
}
