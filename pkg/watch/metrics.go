package watch

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	failureReasonConnection    = "connection"
	failureReasonCursorInvalid = "cursor_invalid"
)

type MetricsConfig struct {
	Namespace string
	Buckets   []float64
}

// Metrics holds the collectors updated by the supervisor, its loops and its
// queue. A nil *Metrics is valid and records nothing.
type Metrics struct {
	status   *prometheus.GaugeVec
	failures *prometheus.CounterVec
	dropped  prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer, config MetricsConfig) (*Metrics, error) {
	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "watch_status",
		Help:      "Current status of each watch (1 for the current status, 0 otherwise).",
	}, []string{"machine", "log", "status"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "watch_failure_total",
		Help:      "Watch failures by reason.",
	}, []string{"machine", "log", "reason"})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "notification_dropped_total",
		Help:      "Notifications dropped because the queue stayed full past the grace period.",
	})

	for _, collector := range []prometheus.Collector{status, failures, dropped} {
		err := registry.Register(collector)
		if err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	ret := &Metrics{
		status:   status,
		failures: failures,
		dropped:  dropped,
	}

	return ret, nil
}

func (m *Metrics) setStatus(target Target, status Status) {
	if m == nil {
		return
	}

	for i := range statusNames {
		value := 0.0
		if Status(i) == status {
			value = 1
		}

		m.status.WithLabelValues(target.Machine, target.Log, Status(i).String()).Set(value)
	}
}

func (m *Metrics) incFailure(target Target, reason string) {
	if m == nil {
		return
	}

	m.failures.WithLabelValues(target.Machine, target.Log, reason).Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}

	m.dropped.Inc()
}

// registerOrGet registers collector, or returns the collector already
// registered under the same descriptor.
func registerOrGet[C prometheus.Collector](registry prometheus.Registerer, collector C) (C, error) {
	err := registry.Register(collector)
	if err == nil {
		return collector, nil
	}

	are := prometheus.AlreadyRegisteredError{}
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(C)
		if ok {
			return existing, nil
		}
	}

	return collector, fmt.Errorf("failed to register metric: %w", err)
}
