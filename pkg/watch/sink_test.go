package watch_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	promdto "github.com/prometheus/client_model/go"
	"go.uber.org/mock/gomock"

	"github.com/eventwatch/eventwatch/pkg/watch"
	"github.com/eventwatch/eventwatch/pkg/watch/mock"
)

// Helper

var (
	lockout = watch.Notification{
		ID:          "7f1c2a9e-0000-4000-8000-000000000001",
		Kind:        watch.KindEvent,
		Machine:     "dc01",
		Log:         "Security",
		EventID:     4740,
		Description: "A user account was locked out",
		Timestamp:   time.Date(2024, 12, 25, 10, 0, 0, 0, time.UTC),
	}

	errRetryable = watch.NewErrRetryableError(errOneError)
)

type PanicSink struct{}

func (s PanicSink) Deliver(ctx context.Context, notification watch.Notification) error {
	panic("broken pipe")
}

// Test Parallel

var _ = Describe("Testing ParallelSink with 2 Sinks", func() {
	var ctrl *gomock.Controller

	var parallel watch.Sink
	var sink1, sink2 *mock.MockSink

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())

		sink1 = mock.NewMockSink(ctrl)
		sink2 = mock.NewMockSink(ctrl)

		parallel = watch.NewParallelSink(sink1, sink2)
	})

	When("both sinks return nil", func() {
		BeforeEach(func() {
			sink1.EXPECT().Deliver(gomock.Any(), lockout).Return(nil).Times(1)
			sink2.EXPECT().Deliver(gomock.Any(), lockout).Return(nil).Times(1)
		})

		It("should succeed", func(ctx SpecContext) {
			Expect(parallel.Deliver(ctx, lockout)).To(Succeed())
		})
	})

	When("the second sink returns a retryable error", func() {
		BeforeEach(func() {
			sink1.EXPECT().Deliver(gomock.Any(), lockout).Return(nil).Times(1)
			sink2.EXPECT().Deliver(gomock.Any(), lockout).Return(errRetryable).Times(1)
		})

		It("should return a retryable error", func(ctx SpecContext) {
			err := parallel.Deliver(ctx, lockout)
			Expect(err).To(MatchError(watch.ErrRetryableError))
			Expect(err).To(MatchError(errOneError))
		})
	})

	When("the first sink fails fast", func() {
		BeforeEach(func() {
			sink1.EXPECT().Deliver(gomock.Any(), lockout).Return(errOneError).Times(1)
			sink2.EXPECT().Deliver(gomock.Any(), lockout).DoAndReturn(func(ctx context.Context, _ watch.Notification) error {
				time.Sleep(20 * time.Millisecond)

				return ctx.Err()
			}).Times(1)
		})

		It("should not cancel the second one", func(ctx SpecContext) {
			err := parallel.Deliver(ctx, lockout)
			Expect(err).To(MatchError(errOneError))
			Expect(err).NotTo(MatchError(context.Canceled))
		})
	})
})

// Test Panic Sink

var _ = Describe("Testing panic handler sink", func() {
	It("should return an error and not panic", func(ctx SpecContext) {
		err := watch.NewPanicHandlerSink(PanicSink{}).Deliver(ctx, lockout)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("broken pipe"))
	})

	It("should return the inner error", func(ctx SpecContext) {
		ctrl := gomock.NewController(GinkgoT())
		inner := mock.NewMockSink(ctrl)
		inner.EXPECT().Deliver(gomock.Any(), lockout).Return(errOneError).Times(1)

		err := watch.NewPanicHandlerSink(inner).Deliver(ctx, lockout)
		Expect(err).To(MatchError(errOneError))
	})
})

// Test Retry

var _ = Describe("Testing RetrySink", func() {
	var ctrl *gomock.Controller

	var retry watch.Sink
	var inner *mock.MockSink

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		inner = mock.NewMockSink(ctrl)

		retry = watch.NewRetrySink(inner, watch.RetryConfig{MaxAttempt: 3, Delay: 10 * time.Millisecond})
	})

	When("the inner sink only fails the first time with a wrapped retryable error", func() {
		BeforeEach(func() {
			gomock.InOrder(
				inner.EXPECT().Deliver(gomock.Any(), lockout).Return(fmt.Errorf("wrapping: %w", errRetryable)).Times(1),
				inner.EXPECT().Deliver(gomock.Any(), lockout).Return(nil).Times(1),
			)
		})

		It("should succeed", func(ctx SpecContext) {
			Expect(retry.Deliver(ctx, lockout)).To(Succeed())
		})
	})

	When("the inner sink fails with a generic error", func() {
		BeforeEach(func() {
			inner.EXPECT().Deliver(gomock.Any(), lockout).Return(errOneError).Times(1)
		})

		It("should fail immediately", func(ctx SpecContext) {
			Expect(retry.Deliver(ctx, lockout)).To(MatchError(errOneError))
		})
	})

	When("the inner sink continuously fails with a retryable error", func() {
		BeforeEach(func() {
			inner.EXPECT().Deliver(gomock.Any(), lockout).Return(errRetryable).Times(3)
		})

		It("should give up after 3 attempts", func(ctx SpecContext) {
			Expect(retry.Deliver(ctx, lockout)).To(MatchError(watch.ErrRetryableError))
		})
	})
})

// Test Metrics

var _ = Describe("Testing sink metrics decorators", func() {
	var registry *prometheus.Registry

	BeforeEach(func() {
		registry = prometheus.NewPedanticRegistry()
	})

	It("should count notifications by kind", func(ctx SpecContext) {
		sink, err := watch.NewCountSink(watch.SinkFunc(func(context.Context, watch.Notification) error {
			return nil
		}), registry, watch.MetricsConfig{Namespace: "test"})
		Expect(err).NotTo(HaveOccurred())

		failed := lockout
		failed.Kind = watch.KindWatchFailed
		failed.EventID = 0

		Expect(sink.Deliver(ctx, lockout)).To(Succeed())
		Expect(sink.Deliver(ctx, lockout)).To(Succeed())
		Expect(sink.Deliver(ctx, failed)).To(Succeed())

		metrics, err := registry.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(metrics).To(HaveLen(1))
		Expect(metrics[0].Metric).To(HaveLen(2))

		events := filterMetricByLabel(metrics[0].Metric, "kind", "event")
		Expect(events).NotTo(BeNil())
		Expect(events.Counter.GetValue()).To(BeEquivalentTo(2))

		failures := filterMetricByLabel(metrics[0].Metric, "kind", "watch_failed")
		Expect(failures).NotTo(BeNil())
		Expect(failures.Counter.GetValue()).To(BeEquivalentTo(1))
	})

	It("should count errors per sink and share the collector", func(ctx SpecContext) {
		failing := watch.SinkFunc(func(context.Context, watch.Notification) error {
			return errors.New("unavailable")
		})

		kafka, err := watch.NewErrorCountSink(failing, "kafka", registry, watch.MetricsConfig{Namespace: "test"})
		Expect(err).NotTo(HaveOccurred())

		valkey, err := watch.NewErrorCountSink(failing, "valkey", registry, watch.MetricsConfig{Namespace: "test"})
		Expect(err).NotTo(HaveOccurred(), "second decorator reuses the registered counter")

		Expect(kafka.Deliver(ctx, lockout)).NotTo(Succeed())
		Expect(kafka.Deliver(ctx, lockout)).NotTo(Succeed())
		Expect(valkey.Deliver(ctx, lockout)).NotTo(Succeed())

		metrics, err := registry.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(metrics).To(HaveLen(1))

		Expect(filterMetricByLabel(metrics[0].Metric, "sink", "kafka").Counter.GetValue()).To(BeEquivalentTo(2))
		Expect(filterMetricByLabel(metrics[0].Metric, "sink", "valkey").Counter.GetValue()).To(BeEquivalentTo(1))
	})

	It("should observe the lag of events only", func(ctx SpecContext) {
		clock := clockwork.NewFakeClockAt(lockout.Timestamp.Add(3 * time.Second))

		sink, err := watch.NewLagMetricsSink(watch.SinkFunc(func(context.Context, watch.Notification) error {
			return nil
		}), registry, clock, watch.MetricsConfig{Namespace: "test", Buckets: []float64{1, 5, 10}})
		Expect(err).NotTo(HaveOccurred())

		future := lockout
		future.Timestamp = clock.Now().Add(time.Minute)

		failed := lockout
		failed.Kind = watch.KindWatchFailed

		Expect(sink.Deliver(ctx, lockout)).To(Succeed())
		Expect(sink.Deliver(ctx, future)).To(Succeed())
		Expect(sink.Deliver(ctx, failed)).To(Succeed())

		metrics, err := registry.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(metrics).To(HaveLen(1))

		histogram := metrics[0].Metric[0].Histogram
		Expect(*histogram.SampleCount).To(BeEquivalentTo(2))
		Expect(histogram.Bucket).To(ConsistOf(
			&promdto.Bucket{UpperBound: pointer[float64](1), CumulativeCount: pointer[uint64](1)},
			&promdto.Bucket{UpperBound: pointer[float64](5), CumulativeCount: pointer[uint64](2)},
			&promdto.Bucket{UpperBound: pointer[float64](10), CumulativeCount: pointer[uint64](2)},
		))
	})
})
