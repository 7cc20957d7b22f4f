package watch_test

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	promdto "github.com/prometheus/client_model/go"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"

	"github.com/eventwatch/eventwatch/pkg/watch"
	"github.com/eventwatch/eventwatch/pkg/watch/mock"
)

// Helper

var errOneError = errors.New("error for testing purpose")

type PanicReader struct{}

func (r PanicReader) OpenCursor(ctx context.Context, machine, log string) (watch.Cursor, error) {
	panic("handle leaked")
}

func (r PanicReader) Poll(ctx context.Context, cursor watch.Cursor) ([]watch.EventRecord, watch.Cursor, error) {
	panic("buffer overrun")
}

type SlowReader struct {
	Sleep time.Duration
	Err   error

	clock clockwork.FakeClock
}

func NewSlowReader(clock clockwork.FakeClock) *SlowReader {
	return &SlowReader{clock: clock}
}

func (r *SlowReader) OpenCursor(ctx context.Context, machine, log string) (watch.Cursor, error) {
	r.clock.Advance(r.Sleep)

	return 0, r.Err
}

func (r *SlowReader) Poll(ctx context.Context, cursor watch.Cursor) ([]watch.EventRecord, watch.Cursor, error) {
	r.clock.Advance(r.Sleep)

	return nil, cursor, r.Err
}

func pointer[T any](obj T) *T {
	return &obj
}

func filterMetricByLabel(metrics []*promdto.Metric, labelName, labelValue string) *promdto.Metric {
	for _, metric := range metrics {
		if metric == nil {
			continue
		}

		for _, label := range metric.Label {
			if label == nil || label.Name == nil || label.Value == nil {
				continue
			}

			if *label.Name == labelName && *label.Value == labelValue {
				return metric
			}
		}
	}

	return nil
}

// Test Timeout

var _ = Describe("Testing timeout reader", func() {
	var ctrl *gomock.Controller
	var inner *mock.MockLogReader
	var reader watch.LogReader

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		inner = mock.NewMockLogReader(ctrl)
		reader = watch.NewTimeoutReader(inner, 20*time.Millisecond)
	})

	When("the inner reader answers in time", func() {
		BeforeEach(func() {
			inner.EXPECT().Poll(gomock.Any(), 1).Return([]watch.EventRecord{{EventID: 4740}}, 2, nil).Times(1)
		})

		It("should return its result", func(ctx SpecContext) {
			records, next, err := reader.Poll(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(next).To(Equal(2))
		})
	})

	When("the inner reader hangs", func() {
		BeforeEach(func() {
			block := func(ctx context.Context, cursor watch.Cursor) ([]watch.EventRecord, watch.Cursor, error) {
				time.Sleep(time.Second)

				return []watch.EventRecord{{EventID: 4740}}, 99, nil
			}

			inner.EXPECT().Poll(gomock.Any(), 1).DoAndReturn(block).Times(1)
			inner.EXPECT().OpenCursor(gomock.Any(), "dc01", "Security").DoAndReturn(
				func(ctx context.Context, machine, log string) (watch.Cursor, error) {
					<-ctx.Done()

					return nil, ctx.Err()
				},
			).Times(1)
		})

		It("should report a connection error and keep the cursor", func(ctx SpecContext) {
			records, next, err := reader.Poll(ctx, 1)
			Expect(err).To(MatchError(watch.ErrConnection))
			Expect(records).To(BeEmpty())
			Expect(next).To(Equal(1))

			_, err = reader.OpenCursor(ctx, "dc01", "Security")
			Expect(err).To(MatchError(watch.ErrConnection))
		})
	})

	When("the inner reader returns a classified error", func() {
		BeforeEach(func() {
			inner.EXPECT().Poll(gomock.Any(), 1).Return(nil, 1, watch.NewCursorInvalidError(errOneError)).Times(1)
		})

		It("should keep the classification", func(ctx SpecContext) {
			_, _, err := reader.Poll(ctx, 1)
			Expect(err).To(MatchError(watch.ErrCursorInvalid))
			Expect(err).NotTo(MatchError(watch.ErrConnection))
		})
	})
})

// Test Panic Reader

var _ = Describe("Testing panic handler reader", func() {
	It("should turn a panic into a connection error", func(ctx SpecContext) {
		reader := watch.NewPanicHandlerReader(PanicReader{})

		_, err := reader.OpenCursor(ctx, "dc01", "Security")
		Expect(err).To(MatchError(watch.ErrConnection))
		Expect(err.Error()).To(ContainSubstring("handle leaked"))

		records, next, err := reader.Poll(ctx, 7)
		Expect(err).To(MatchError(watch.ErrConnection))
		Expect(err.Error()).To(ContainSubstring("buffer overrun"))
		Expect(records).To(BeNil())
		Expect(next).To(Equal(7), "cursor unchanged")
	})
})

// Test Rate Limit

var _ = Describe("Testing rate limited reader", func() {
	var ctrl *gomock.Controller
	var inner *mock.MockLogReader

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		inner = mock.NewMockLogReader(ctrl)
	})

	It("should forward calls within the budget", func(ctx SpecContext) {
		inner.EXPECT().OpenCursor(gomock.Any(), "dc01", "Security").Return(0, nil).Times(1)
		inner.EXPECT().Poll(gomock.Any(), 0).Return(nil, 0, nil).Times(1)

		reader := watch.NewRateLimitedReader(inner, rate.NewLimiter(rate.Inf, 1))

		_, err := reader.OpenCursor(ctx, "dc01", "Security")
		Expect(err).NotTo(HaveOccurred())

		_, _, err = reader.Poll(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fail with a connection error when the budget cannot be met", func() {
		reader := watch.NewRateLimitedReader(inner, rate.NewLimiter(rate.Every(time.Hour), 1))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		inner.EXPECT().Poll(gomock.Any(), 0).Return(nil, 0, nil).Times(1)

		_, _, err := reader.Poll(ctx, 0)
		Expect(err).NotTo(HaveOccurred(), "burst is available")

		_, next, err := reader.Poll(ctx, 0)
		Expect(err).To(MatchError(watch.ErrConnection))
		Expect(next).To(Equal(0))
	})

	It("should stop waiting when the caller is cancelled", func() {
		reader := watch.NewRateLimitedReader(inner, rate.NewLimiter(rate.Every(time.Hour), 1))

		inner.EXPECT().OpenCursor(gomock.Any(), "dc01", "Security").Return(0, nil).Times(1)

		_, err := reader.OpenCursor(context.Background(), "dc01", "Security")
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)

		_, next, err := reader.Poll(ctx, 0)
		Expect(err).To(MatchError(context.Canceled))
		Expect(errors.Is(err, watch.ErrConnection)).To(BeFalse())
		Expect(next).To(Equal(0))
	})
})

// Test Metric Duration

var _ = Describe("Testing duration metrics reader", func() {
	var registry *prometheus.Registry
	var reader watch.LogReader
	var slow *SlowReader

	BeforeEach(func() {
		registry = prometheus.NewPedanticRegistry()

		fakeClock := clockwork.NewFakeClock()
		slow = NewSlowReader(fakeClock)

		var err error

		reader, err = watch.NewDurationMetricsReader(slow, registry, fakeClock, watch.MetricsConfig{
			Namespace: "test",
			Buckets:   []float64{20, 200, 2000},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	When("several polls succeed with different durations and one open fails", func() {
		BeforeEach(func(ctx SpecContext) {
			slow.Sleep = 5 * time.Millisecond

			for i := 0; i < 3; i++ {
				_, _, err := reader.Poll(ctx, 0)
				Expect(err).NotTo(HaveOccurred())
			}

			slow.Sleep = 500 * time.Millisecond

			_, _, err := reader.Poll(ctx, 0)
			Expect(err).NotTo(HaveOccurred())

			slow.Sleep = 50 * time.Millisecond
			slow.Err = errOneError

			_, err = reader.OpenCursor(ctx, "dc01", "Security")
			Expect(err).To(HaveOccurred())
		})

		It("should return the right number in the metrics", func() {
			metrics, err := registry.Gather()
			Expect(err).NotTo(HaveOccurred())
			Expect(metrics).To(HaveLen(1))
			Expect(metrics[0].Metric).To(HaveLen(2))

			By("checking the poll metric")
			poll := filterMetricByLabel(metrics[0].Metric, "operation", "poll")
			Expect(poll).NotTo(BeNil())
			Expect(*poll.Histogram.SampleCount).To(BeEquivalentTo(4))
			Expect(poll.Histogram.Bucket).To(ConsistOf(
				&promdto.Bucket{UpperBound: pointer[float64](20), CumulativeCount: pointer[uint64](3)},
				&promdto.Bucket{UpperBound: pointer[float64](200), CumulativeCount: pointer[uint64](3)},
				&promdto.Bucket{UpperBound: pointer[float64](2000), CumulativeCount: pointer[uint64](4)},
			))

			By("checking the open metric")
			open := filterMetricByLabel(metrics[0].Metric, "operation", "open_cursor")
			Expect(open).NotTo(BeNil())
			Expect(filterMetricByLabel([]*promdto.Metric{open}, "failed", "true")).NotTo(BeNil())
			Expect(*open.Histogram.SampleCount).To(BeEquivalentTo(1))
			Expect(open.Histogram.Bucket).To(ConsistOf(
				&promdto.Bucket{UpperBound: pointer[float64](20), CumulativeCount: pointer[uint64](0)},
				&promdto.Bucket{UpperBound: pointer[float64](200), CumulativeCount: pointer[uint64](1)},
				&promdto.Bucket{UpperBound: pointer[float64](2000), CumulativeCount: pointer[uint64](1)},
			))
		})
	})
})
