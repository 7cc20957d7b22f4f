package watch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type LoopConfig struct {
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// MaxFailures is the number of consecutive failures after which the watch
	// is abandoned. 0 retries forever.
	MaxFailures uint
}

// BackoffDelay returns min(BaseDelay * 2^failures, MaxDelay).
func (c LoopConfig) BackoffDelay(failures int) time.Duration {
	ret := c.BaseDelay

	for i := 0; i < failures; i++ {
		if c.MaxDelay > 0 && ret >= c.MaxDelay {
			break
		}

		if ret > math.MaxInt64/2 {
			break
		}

		ret *= 2
	}

	if c.MaxDelay > 0 && ret > c.MaxDelay {
		return c.MaxDelay
	}

	return ret
}

// Loop watches a single target. Run owns the WatchState for its whole
// lifetime.
type Loop struct {
	target       Target
	reader       LogReader
	descriptions Descriptions
	publisher    Publisher
	config       LoopConfig

	clock    clockwork.Clock
	logger   *logr.Logger
	metrics  *Metrics
	observer func(Target, WatchState)
	newID    func() string
}

func NewLoop(target Target, reader LogReader, descriptions Descriptions, publisher Publisher, config LoopConfig) Loop {
	return Loop{
		target:       target,
		reader:       reader,
		descriptions: descriptions,
		publisher:    publisher,
		config:       config,
		clock:        clockwork.NewRealClock(),
		newID:        uuid.NewString,
	}
}

func (l Loop) WithLogger(logger logr.Logger) Loop {
	l.logger = &logger

	return l
}

func (l Loop) WithClock(clock clockwork.Clock) Loop {
	l.clock = clock

	return l
}

func (l Loop) WithMetrics(metrics *Metrics) Loop {
	l.metrics = metrics

	return l
}

// WithObserver registers a callback invoked with a copy of the state after
// every transition.
func (l Loop) WithObserver(observer func(Target, WatchState)) Loop {
	l.observer = observer

	return l
}

// Run blocks until ctx is cancelled or the target fails for good, and returns
// the final state.
func (l Loop) Run(ctx context.Context) WatchState {
	state := WatchState{Status: StatusStarting}
	l.observe(state)

	for ctx.Err() == nil {
		switch state.Status {
		case StatusStarting:
			l.start(ctx, &state)
		case StatusPolling:
			if !l.sleep(ctx, l.config.PollInterval) {
				break
			}

			l.poll(ctx, &state)
		case StatusBackoff:
			l.backoff(ctx, &state)
		case StatusFailed:
			return state
		}

		l.observe(state)
	}

	l.logInfo(1, "Watch stopped", "status", state.Status.String())

	return state
}

// start opens a cursor, retrying connection failures with backoff until the
// failure budget is spent.
func (l Loop) start(ctx context.Context, state *WatchState) {
	var attempts uint

	if l.config.MaxFailures > 0 {
		remaining := int(l.config.MaxFailures) - state.Failures
		if remaining <= 0 {
			l.fail(state)

			return
		}

		attempts = uint(remaining)
	}

	// Reader calls are never interrupted once started: cancellation is only
	// observed between attempts and while waiting for the rate limiter.
	readerCtx := detach(ctx)

	cursor, err := retry.DoWithData(
		func() (Cursor, error) {
			state.Status = StatusStarting

			return l.reader.OpenCursor(readerCtx, l.target.Machine, l.target.Log)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.RetryIf(func(error) bool {
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(_ uint, err error) {
			l.recordFailure(state, err)
		}),
		retry.DelayType(func(uint, error, *retry.Config) time.Duration {
			return l.config.BackoffDelay(state.Failures)
		}),
		retry.WithTimer(l.clock),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		l.fail(state)

		return
	}

	// A cursor kept from before a connection failure is still valid: resuming
	// from it reports the events written during the outage.
	resumed := state.Cursor != nil
	if !resumed {
		state.Cursor = cursor
	}

	state.Status = StatusPolling

	l.logInfo(0, "Watch started", "failures", state.Failures, "resumed", resumed)
}

func (l Loop) poll(ctx context.Context, state *WatchState) {
	records, next, err := l.reader.Poll(detach(ctx), state.Cursor)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrCursorInvalid) {
			l.metrics.incFailure(l.target, failureReasonCursorInvalid)
			l.logError(err, "Cursor invalidated, re-arming from the end of the log: events written in between are not reported")

			state.Cursor = nil
			state.LastError = err
			state.Status = StatusStarting

			return
		}

		l.recordFailure(state, err)

		return
	}

	state.Cursor = next
	state.Failures = 0
	state.LastError = nil

	for _, record := range records {
		if !l.target.Matches(record.EventID) {
			continue
		}

		l.publisher.Publish(l.notification(record))
	}

	l.logInfo(3, "Poll done", "records", len(records))
}

func (l Loop) backoff(ctx context.Context, state *WatchState) {
	if l.exhausted(*state) {
		l.fail(state)

		return
	}

	if !l.sleep(ctx, l.config.BackoffDelay(state.Failures)) {
		return
	}

	state.Status = StatusStarting
}

func (l Loop) recordFailure(state *WatchState, err error) {
	state.Failures++
	state.LastError = err
	state.Status = StatusBackoff

	l.metrics.incFailure(l.target, failureReasonConnection)
	l.logError(err, "Watch failed", "failures", state.Failures, "retryIn", l.config.BackoffDelay(state.Failures))
	l.observe(*state)
}

func (l Loop) exhausted(state WatchState) bool {
	return l.config.MaxFailures > 0 && state.Failures >= int(l.config.MaxFailures)
}

func (l Loop) fail(state *WatchState) {
	state.Status = StatusFailed

	l.logError(state.LastError, "Watch abandoned", "failures", state.Failures)
	l.publisher.Publish(newWatchFailedNotification(l.newID(), l.target, *state, l.clock.Now()))
}

func (l Loop) notification(record EventRecord) Notification {
	ts := record.Timestamp
	if ts.IsZero() {
		ts = l.clock.Now()
	}

	return Notification{
		ID:          l.newID(),
		Kind:        KindEvent,
		Machine:     l.target.Machine,
		Log:         l.target.Log,
		EventID:     record.EventID,
		Description: l.descriptions.Describe(l.target.Log, record.EventID),
		Source:      record.Source,
		Timestamp:   ts.UTC(),
		Fields:      record.Fields,
	}
}

func (l Loop) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}

	timer := l.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func (l Loop) observe(state WatchState) {
	if l.observer == nil {
		return
	}

	l.observer(l.target, state)
}

func (l Loop) logInfo(level int, msg string, keysAndValues ...any) {
	if l.logger == nil {
		return
	}

	l.logger.V(level).Info(msg, keysAndValues...)
}

func (l Loop) logError(err error, msg string, keysAndValues ...any) {
	if l.logger == nil {
		return
	}

	l.logger.Error(err, msg, keysAndValues...)
}

func newWatchFailedNotification(id string, target Target, state WatchState, now time.Time) Notification {
	reason := "unknown"
	if state.LastError != nil {
		reason = state.LastError.Error()
	}

	return Notification{
		ID:          id,
		Kind:        KindWatchFailed,
		Machine:     target.Machine,
		Log:         target.Log,
		Description: fmt.Sprintf("watch of %s abandoned after %d consecutive failures", target, state.Failures),
		Timestamp:   now.UTC(),
		Reason:      reason,
	}
}
