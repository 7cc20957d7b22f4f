// Package stats counts matched events per target and periodically exports the
// counts as JSON reports.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/eventwatch/eventwatch/pkg/watch"
)

const finalExportTimeout = 30 * time.Second

var ErrInvalidInterval = errors.New("export interval must be positive")

type window struct {
	processed   int
	failures    int
	occurrences map[int][]time.Time
}

// Collector is a watch.Sink recording every notification of the configured
// targets. Notifications for unknown targets are ignored.
type Collector struct {
	mu           sync.Mutex
	targets      []watch.Target
	descriptions watch.Descriptions
	clock        clockwork.Clock
	logger       *logr.Logger

	start   time.Time
	windows map[string]*window
}

func NewCollector(targets []watch.Target, descriptions watch.Descriptions, clock clockwork.Clock) *Collector {
	ret := &Collector{
		targets:      targets,
		descriptions: descriptions,
		clock:        clock,
		start:        clock.Now().UTC(),
	}

	ret.windows = ret.newWindows()

	return ret
}

func (c *Collector) WithLogger(logger logr.Logger) *Collector {
	c.logger = &logger

	return c
}

func (c *Collector) Deliver(_ context.Context, notification watch.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key(notification.Machine, notification.Log)]
	if !ok {
		return nil
	}

	switch notification.Kind {
	case watch.KindWatchFailed:
		w.failures++
	case watch.KindEvent:
		w.processed++
		w.occurrences[notification.EventID] = append(w.occurrences[notification.EventID], notification.Timestamp)
	}

	return nil
}

// Rotate returns one report per target for the current window and opens a new
// window starting now.
func (c *Collector) Rotate() []Report {
	now := c.clock.Now().UTC()

	c.mu.Lock()
	windows, start := c.windows, c.start
	c.windows, c.start = c.newWindows(), now
	c.mu.Unlock()

	ret := make([]Report, 0, len(c.targets))

	for _, target := range c.targets {
		w := windows[target.Key()]

		report := Report{
			Machine:              target.Machine,
			Log:                  target.Log,
			StartTimestamp:       start,
			EndTimestamp:         now,
			TotalProcessedEvents: w.processed,
			WatchFailures:        w.failures,
			EventIDs:             make(map[int]EventStats, len(target.EventIDs)),
		}

		for _, id := range target.EventIDs.Sorted() {
			description, _ := c.descriptions.Lookup(target.Log, id)
			timestamps := w.occurrences[id]

			if timestamps == nil {
				timestamps = []time.Time{}
			}

			report.EventIDs[id] = EventStats{
				Total:       len(timestamps),
				Description: description,
				Timestamps:  timestamps,
			}
		}

		ret = append(ret, report)
	}

	return ret
}

// Export rotates the window and hands every report to exporter.
func (c *Collector) Export(ctx context.Context, exporter Exporter) error {
	var errs []error

	for _, report := range c.Rotate() {
		err := exporter.Export(ctx, report)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Run exports every interval until ctx is done, then exports the last window.
func (c *Collector) Run(ctx context.Context, exporter Exporter, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalExportTimeout)
			c.export(finalCtx, exporter)
			cancel()

			return nil
		case <-ticker.Chan():
			c.export(ctx, exporter)
		}
	}
}

func (c *Collector) export(ctx context.Context, exporter Exporter) {
	err := c.Export(ctx, exporter)
	if err != nil {
		c.logError(err, "Failed to export statistics")

		return
	}

	c.logInfo(0, "Exported statistics", "targets", len(c.targets))
}

func (c *Collector) newWindows() map[string]*window {
	ret := make(map[string]*window, len(c.targets))

	for _, target := range c.targets {
		ret[target.Key()] = &window{occurrences: make(map[int][]time.Time)}
	}

	return ret
}

func (c *Collector) logInfo(level int, msg string, keysAndValues ...any) {
	if c.logger == nil {
		return
	}

	c.logger.V(level).Info(msg, keysAndValues...)
}

func (c *Collector) logError(err error, msg string, keysAndValues ...any) {
	if c.logger == nil {
		return
	}

	c.logger.Error(err, msg, keysAndValues...)
}

func key(machine, log string) string {
	return strings.ToLower(machine) + "/" + strings.ToLower(log)
}
