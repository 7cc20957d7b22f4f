package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	Loop  LoopConfig
	Queue QueueConfig
	// ShutdownTimeout bounds how long Run waits for the loops once cancelled.
	// 0 waits until every loop has exited.
	ShutdownTimeout time.Duration
}

// Supervisor runs one Loop per target and forwards their notifications to a
// single Sink.
type Supervisor struct {
	reader       LogReader
	sink         Sink
	descriptions Descriptions
	config       Config

	clock   clockwork.Clock
	logger  *logr.Logger
	metrics *Metrics
}

func NewSupervisor(reader LogReader, sink Sink, descriptions Descriptions, config Config) Supervisor {
	return Supervisor{
		reader:       reader,
		sink:         sink,
		descriptions: descriptions,
		config:       config,
		clock:        clockwork.NewRealClock(),
	}
}

func (s Supervisor) WithLogger(logger logr.Logger) Supervisor {
	s.logger = &logger

	return s
}

func (s Supervisor) WithClock(clock clockwork.Clock) Supervisor {
	s.clock = clock

	return s
}

func (s Supervisor) WithMetrics(metrics *Metrics) Supervisor {
	s.metrics = metrics

	return s
}

// Handle controls a running supervisor.
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	registry *registry
	queue    *Queue
}

// Cancel asks every loop to stop at its next safe point.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once every loop has exited and every queued notification
// has been handed to the sink.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// AwaitShutdown waits for Done or for ctx to expire.
func (h *Handle) AwaitShutdown(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for watch loops to exit: %w", ctx.Err())
	}
}

func (h *Handle) Liveness() []TargetStatus {
	return h.registry.snapshot()
}

func (h *Handle) Alive() int {
	return h.registry.alive()
}

func (h *Handle) Dropped() uint64 {
	return h.queue.Dropped()
}

// Start validates targets and launches the loops. A ConfigurationError is
// returned before anything is started.
func (s Supervisor) Start(ctx context.Context, targets []Target) (*Handle, error) {
	err := ValidateTargets(targets)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	queue := NewQueue(s.config.Queue, s.clock)
	queue.metrics = s.metrics
	queue.logger = s.logger

	handle := &Handle{
		cancel:   cancel,
		done:     make(chan struct{}),
		registry: newRegistry(targets, s.clock, s.metrics),
		queue:    queue,
	}

	forwarded := make(chan struct{})

	go func() {
		defer close(forwarded)

		s.forward(queue)
	}()

	var loops sync.WaitGroup

	for _, target := range targets {
		loops.Add(1)

		go func(target Target) {
			defer loops.Done()

			s.runLoop(ctx, target, queue, handle.registry)
		}(target)
	}

	go func() {
		loops.Wait()

		queue.Close()
		<-forwarded

		cancel()
		close(handle.done)

		s.logInfo(0, "Monitor stopped", "dropped", queue.Dropped())
	}()

	s.logInfo(0, "Monitor started", "targets", len(targets))

	return handle, nil
}

// Run blocks until ctx is cancelled or every target has failed.
func (s Supervisor) Run(ctx context.Context, targets []Target) error {
	handle, err := s.Start(ctx, targets)
	if err != nil {
		return err
	}

	select {
	case <-handle.Done():
		return nil
	case <-ctx.Done():
	}

	shutdownCtx := context.WithoutCancel(ctx)

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc

		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.config.ShutdownTimeout)
		defer cancel()
	}

	return handle.AwaitShutdown(shutdownCtx)
}

func (s Supervisor) runLoop(ctx context.Context, target Target, queue *Queue, registry *registry) {
	loop := NewLoop(target, s.reader, s.descriptions, queue, s.config.Loop).
		WithClock(s.clock).
		WithMetrics(s.metrics).
		WithObserver(registry.update)

	if s.logger != nil {
		loop = loop.WithLogger(s.logger.WithValues("machine", target.Machine, "log", target.Log))
	}

	state := WatchState{Status: StatusStarting}

	defer func() {
		r := recover()
		if r != nil {
			err := fmt.Errorf("unexpected error: %v", r)
			s.logError(err, "Watch loop panicked", "machine", target.Machine, "log", target.Log)

			state = WatchState{Status: StatusFailed, LastError: err}
			queue.Publish(newWatchFailedNotification(uuid.NewString(), target, state, s.clock.Now()))
		}

		registry.exit(target, state)
	}()

	state = loop.Run(ctx)
}

// forward hands notifications to the sink one at a time, in arrival order,
// until the queue is closed.
func (s Supervisor) forward(queue *Queue) {
	ctx := context.Background()

	for notification := range queue.Notifications() {
		s.deliver(ctx, notification)
	}
}

func (s Supervisor) deliver(ctx context.Context, notification Notification) {
	defer func() {
		r := recover()
		if r != nil {
			s.logError(fmt.Errorf("unexpected error: %v", r), "Sink panicked", "id", notification.ID)
		}
	}()

	err := s.sink.Deliver(ctx, notification)
	if err != nil {
		s.logError(err, "Failed to deliver notification",
			"id", notification.ID,
			"kind", notification.Kind,
			"machine", notification.Machine,
			"log", notification.Log,
			"eventID", notification.EventID,
		)
	}
}

func (s Supervisor) logInfo(level int, msg string, keysAndValues ...any) {
	if s.logger == nil {
		return
	}

	s.logger.V(level).Info(msg, keysAndValues...)
}

func (s Supervisor) logError(err error, msg string, keysAndValues ...any) {
	if s.logger == nil {
		return
	}

	s.logger.Error(err, msg, keysAndValues...)
}
