package e2e_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventwatch/eventwatch/internal/reader/jsonl"
	"github.com/eventwatch/eventwatch/pkg/watch"
	"github.com/eventwatch/eventwatch/test/e2e"
)

const (
	machine  = "DC01"
	security = "Security"
)

var descriptions = map[string]map[string]string{
	security: {
		"4740": "A user account was locked out",
		"4625": "An account failed to log on",
	},
}

func record(id uint64, eventID int) jsonl.Record {
	return jsonl.Record{
		RecordID:      id,
		EventID:       eventID,
		TimeGenerated: time.Now().UTC().Truncate(time.Second),
		Source:        "Microsoft-Windows-Security-Auditing",
		Fields:        map[string]any{"TargetUserName": "jdoe"},
	}
}

func eventIDs(notifications []watch.Notification) []int {
	ret := make([]int, 0, len(notifications))

	for _, n := range notifications {
		if n.Kind == watch.KindEvent {
			ret = append(ret, n.EventID)
		}
	}

	return ret
}

var _ = Describe("Watching a security log", Ordered, func() {
	var tc e2e.TestContext

	BeforeAll(func() {
		conf, err := e2e.CreateTestConfig("watch")
		Expect(err).NotTo(HaveOccurred())

		tc, err = e2e.CreateTestContext(conf)
		Expect(err).NotTo(HaveOccurred())

		err = tc.WriteWatchlist(map[string]map[string][]int{
			machine: {security: {4740, 4625}},
		}, descriptions)
		Expect(err).NotTo(HaveOccurred())

		// Present before the watch starts: never reported
		err = tc.AppendEvents(machine, security, record(1, 4740), record(2, 4625))
		Expect(err).NotTo(HaveOccurred())

		Expect(tc.Start()).To(Succeed())

		Eventually(func(g Gomega) {
			statuses, code, err := tc.Status(context.Background())
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(code).To(Equal(200))
			g.Expect(statuses).To(HaveLen(1))
			g.Expect(statuses[0]).To(HaveKeyWithValue("status", "polling"))
		}).WithTimeout(10 * time.Second).WithPolling(100 * time.Millisecond).Should(Succeed())
	})

	AfterAll(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Expect(tc.Shutdown(ctx)).To(Succeed())
	})

	It("should only report new matching events, in order", func() {
		err := tc.AppendEvents(machine, security, record(3, 4740), record(4, 4624), record(5, 4625))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func(g Gomega) {
			notifications, err := tc.Notifications()
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(eventIDs(notifications)).To(Equal([]int{4740, 4625}))
		}).WithTimeout(10 * time.Second).WithPolling(100 * time.Millisecond).Should(Succeed(), tc.Output())

		notifications, err := tc.Notifications()
		Expect(err).NotTo(HaveOccurred())

		Expect(notifications[0].Machine).To(Equal(machine))
		Expect(notifications[0].Log).To(Equal(security))
		Expect(notifications[0].Description).To(Equal("A user account was locked out"))
		Expect(notifications[0].Fields).To(HaveKeyWithValue("TargetUserName", "jdoe"))
		Expect(notifications[1].Description).To(Equal("An account failed to log on"))
	})

	It("should not report an event twice", func() {
		Consistently(func(g Gomega) {
			notifications, err := tc.Notifications()
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(eventIDs(notifications)).To(HaveLen(2))
		}).WithTimeout(time.Second).WithPolling(100 * time.Millisecond).Should(Succeed())
	})

	It("should expose metrics", func() {
		families, err := tc.Metrics(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(families).To(HaveKey("eventwatch_notification_total"))
		Expect(families).To(HaveKey("eventwatch_watch_status"))
		Expect(families).To(HaveKey("eventwatch_reader_duration_milliseconds"))

		total := 0.0
		for _, metric := range families["eventwatch_notification_total"].GetMetric() {
			total += metric.GetCounter().GetValue()
		}

		Expect(total).To(BeEquivalentTo(2))
	})

	It("should export statistics and exit cleanly on SIGTERM", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		code, err := tc.Stop(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0), tc.Output())

		reports, err := tc.StatsReports()
		Expect(err).NotTo(HaveOccurred())
		Expect(reports).To(HaveLen(1))

		Expect(reports[0].TotalProcessedEvents).To(Equal(2))
		Expect(reports[0].EventIDs).To(HaveKey(4740))
		Expect(reports[0].EventIDs[4740].Total).To(Equal(1))
		Expect(reports[0].EventIDs[4740].Description).To(Equal("A user account was locked out"))
		Expect(reports[0].EventIDs[4625].Total).To(Equal(1))
	})
})

var _ = Describe("Watching a log that does not exist", Ordered, func() {
	var tc e2e.TestContext

	BeforeAll(func() {
		conf, err := e2e.CreateTestConfig("missing")
		Expect(err).NotTo(HaveOccurred())

		tc, err = e2e.CreateTestContext(conf)
		Expect(err).NotTo(HaveOccurred())

		err = tc.WriteWatchlist(map[string]map[string][]int{
			machine: {"Application": {1000}},
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(tc.Start()).To(Succeed())
	})

	AfterAll(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Expect(tc.Shutdown(ctx)).To(Succeed())
	})

	It("should report the abandoned watch and exit with an error", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		code, err := tc.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(1), tc.Output())

		notifications, err := tc.Notifications()
		Expect(err).NotTo(HaveOccurred())
		Expect(notifications).To(HaveLen(1))

		Expect(notifications[0].Kind).To(Equal(watch.KindWatchFailed))
		Expect(notifications[0].Machine).To(Equal(machine))
		Expect(notifications[0].Log).To(Equal("Application"))
		Expect(notifications[0].Reason).NotTo(BeEmpty())
	})
})

var _ = Describe("Validating a watch list", func() {
	var tc e2e.TestContext

	BeforeEach(func() {
		conf, err := e2e.CreateTestConfig("validate")
		Expect(err).NotTo(HaveOccurred())

		tc, err = e2e.CreateTestContext(conf)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(tc.Shutdown(context.Background())).To(Succeed())
	})

	It("should accept a consistent watch list", func() {
		err := tc.WriteWatchlist(map[string]map[string][]int{
			machine: {security: {4740, 4625}},
			"DC02":  {security: {4740}},
		}, descriptions)
		Expect(err).NotTo(HaveOccurred())

		Expect(tc.Validate()).To(Succeed())
	})

	It("should reject a machine without logs", func() {
		err := tc.WriteWatchlist(map[string]map[string][]int{
			machine: {},
		}, descriptions)
		Expect(err).NotTo(HaveOccurred())

		Expect(tc.Validate()).NotTo(Succeed())
	})
})
