package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Timeout Reader

type timeoutReader struct {
	reader  LogReader
	timeout time.Duration
}

// NewTimeoutReader bounds every call to reader. A call still running when the
// timeout expires is abandoned and reported as ErrConnection; its result is
// discarded so the cursor of the caller does not move.
func NewTimeoutReader(reader LogReader, timeout time.Duration) LogReader {
	return timeoutReader{
		reader:  reader,
		timeout: timeout,
	}
}

type callResult struct {
	records []EventRecord
	cursor  Cursor
	err     error
}

func (r timeoutReader) OpenCursor(ctx context.Context, machine, log string) (Cursor, error) {
	ret, err := withTimeout(ctx, r.timeout, func(ctx context.Context) callResult {
		cursor, err := r.reader.OpenCursor(ctx, machine, log)

		return callResult{cursor: cursor, err: err}
	})
	if err != nil {
		return nil, err
	}

	return ret.cursor, ret.err
}

func (r timeoutReader) Poll(ctx context.Context, cursor Cursor) ([]EventRecord, Cursor, error) {
	ret, err := withTimeout(ctx, r.timeout, func(ctx context.Context) callResult {
		records, next, err := r.reader.Poll(ctx, cursor)

		return callResult{records: records, cursor: next, err: err}
	})
	if err != nil {
		return nil, cursor, err
	}

	return ret.records, ret.cursor, ret.err
}

func withTimeout(ctx context.Context, timeout time.Duration, call func(context.Context) callResult) (callResult, error) {
	if timeout <= 0 {
		return call(ctx), nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan callResult, 1)

	go func() {
		results <- call(ctx)
	}()

	select {
	case ret := <-results:
		if ret.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !isClassified(ret.err) {
			ret.err = NewConnectionError(ret.err)
		}

		return ret, nil
	case <-ctx.Done():
		return callResult{}, NewConnectionError(fmt.Errorf("no answer within %v: %w", timeout, ctx.Err()))
	}
}

func isClassified(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrCursorInvalid)
}

// Panic handler Reader

type panicHandlerReader struct {
	reader LogReader
}

// NewPanicHandlerReader turns a panic inside reader into an ErrConnection so a
// faulty reader only affects the loop that called it.
func NewPanicHandlerReader(reader LogReader) LogReader {
	return panicHandlerReader{
		reader: reader,
	}
}

func (r panicHandlerReader) OpenCursor(ctx context.Context, machine, log string) (ret Cursor, err error) {
	defer func() {
		p := recover()
		if p != nil {
			err = NewConnectionError(fmt.Errorf("unexpected error: %v", p))
		}
	}()

	ret, err = r.reader.OpenCursor(ctx, machine, log)

	return
}

func (r panicHandlerReader) Poll(ctx context.Context, cursor Cursor) (records []EventRecord, next Cursor, err error) {
	defer func() {
		p := recover()
		if p != nil {
			records = nil
			next = cursor
			err = NewConnectionError(fmt.Errorf("unexpected error: %v", p))
		}
	}()

	records, next, err = r.reader.Poll(ctx, cursor)

	return
}

// Rate limited Reader

type rateLimitedReader struct {
	reader  LogReader
	limiter *rate.Limiter
}

// NewRateLimitedReader shares limiter between every call, whatever the target.
func NewRateLimitedReader(reader LogReader, limiter *rate.Limiter) LogReader {
	return rateLimitedReader{
		reader:  reader,
		limiter: limiter,
	}
}

func (r rateLimitedReader) OpenCursor(ctx context.Context, machine, log string) (Cursor, error) {
	err := r.wait(ctx)
	if err != nil {
		return nil, err
	}

	return r.reader.OpenCursor(ctx, machine, log)
}

func (r rateLimitedReader) Poll(ctx context.Context, cursor Cursor) ([]EventRecord, Cursor, error) {
	err := r.wait(ctx)
	if err != nil {
		return nil, cursor, err
	}

	return r.reader.Poll(ctx, cursor)
}

// wait blocks until the limiter grants a call. It gives up as soon as the
// caller is stopped, even when ctx was detached from its cancellation.
func (r rateLimitedReader) wait(ctx context.Context) error {
	stop := attached(ctx)

	err := r.limiter.Wait(stop)
	if err == nil {
		return nil
	}

	if stop.Err() != nil {
		return fmt.Errorf("rate limiter: %w", stop.Err())
	}

	return NewConnectionError(fmt.Errorf("rate limiter: %w", err))
}

type stopKey struct{}

// detach returns a context that is not cancelled with ctx, for calls that must
// not be interrupted halfway. Waits that hold no remote resource can still
// observe ctx through attached.
func detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), stopKey{}, ctx)
}

// attached returns the cancellable context ctx was detached from, or ctx.
func attached(ctx context.Context) context.Context {
	stop, ok := ctx.Value(stopKey{}).(context.Context)
	if !ok {
		return ctx
	}

	return stop
}

// Duration Metric Reader

type durationReader struct {
	reader    LogReader
	histogram *prometheus.HistogramVec
	clock     clockwork.Clock
}

func NewDurationMetricsReader(reader LogReader, registry prometheus.Registerer, clock clockwork.Clock, config MetricsConfig) (LogReader, error) {
	buckets := config.Buckets
	if len(buckets) == 0 {
		buckets = []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}
	}

	opts := prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "reader_duration_milliseconds",
		Help:      "Time taken by log reader calls.",
		Buckets:   buckets,
	}

	histogram := prometheus.NewHistogramVec(opts, []string{"operation", "failed"})

	err := registry.Register(histogram)
	if err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	ret := durationReader{
		reader:    reader,
		histogram: histogram,
		clock:     clock,
	}

	return ret, nil
}

func (r durationReader) OpenCursor(ctx context.Context, machine, log string) (Cursor, error) {
	start := r.clock.Now()

	ret, err := r.reader.OpenCursor(ctx, machine, log)

	r.observe("open_cursor", start, err)

	return ret, err
}

func (r durationReader) Poll(ctx context.Context, cursor Cursor) ([]EventRecord, Cursor, error) {
	start := r.clock.Now()

	records, next, err := r.reader.Poll(ctx, cursor)

	r.observe("poll", start, err)

	return records, next, err
}

func (r durationReader) observe(operation string, start time.Time, err error) {
	duration := r.clock.Since(start)
	durationMilli := float64(duration/time.Millisecond) + float64(duration%time.Millisecond)/float64(time.Millisecond)

	r.histogram.WithLabelValues(operation, fmt.Sprintf("%v", err != nil)).Observe(durationMilli)
}
