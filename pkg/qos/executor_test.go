package qos_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/qos"
	"github.com/inferfabric/fabric/pkg/qos/policy"
)

type countingAction struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingAction) Execute(_ context.Context, actionType, key string, _ qos.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, actionType)
	return nil
}

func (c *countingAction) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var _ = Describe("Executor", func() {
	var clock time.Time
	now := func() time.Time { return clock }

	BeforeEach(func() { clock = time.Unix(2000, 0) })

	It("gates a second invocation within the cooldown window as rate_limited", func() {
		m := metrics.New(prometheus.NewRegistry())
		action := &countingAction{}
		ex := qos.NewExecutor(logging.Noop(), action, m, now)
		cfg := policy.RemediationConfig{Type: "throttle", CooldownMs: 5000}
		ev := qos.Event{SLO: "ttft"}

		outcome, err := ex.Execute(context.Background(), "p1", cfg, ev)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(qos.OutcomeExecuted))

		outcome, err = ex.Execute(context.Background(), "p1", cfg, ev)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(qos.OutcomeRateLimited))
		Expect(action.count()).To(Equal(1))

		clock = clock.Add(6 * time.Second)
		outcome, err = ex.Execute(context.Background(), "p1", cfg, ev)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(qos.OutcomeExecuted))
		Expect(action.count()).To(Equal(2))
	})

	It("rate limits once max_executions_per_window is reached", func() {
		m := metrics.New(prometheus.NewRegistry())
		action := &countingAction{}
		ex := qos.NewExecutor(logging.Noop(), action, m, now)
		cfg := policy.RemediationConfig{Type: "alert", ExecutionWindowMs: 60000, MaxExecutionsPerWindow: 2}
		ev := qos.Event{SLO: "errors"}

		Expect(must(ex.Execute(context.Background(), "p2", cfg, ev))).To(Equal(qos.OutcomeExecuted))
		clock = clock.Add(time.Second)
		Expect(must(ex.Execute(context.Background(), "p2", cfg, ev))).To(Equal(qos.OutcomeExecuted))
		clock = clock.Add(time.Second)
		Expect(must(ex.Execute(context.Background(), "p2", cfg, ev))).To(Equal(qos.OutcomeRateLimited))
	})

	It("trips the breaker on an alternating scale_up/scale_down pattern and denies until reset", func() {
		m := metrics.New(prometheus.NewRegistry())
		action := &countingAction{}
		ex := qos.NewExecutor(logging.Noop(), action, m, now)
		up := policy.RemediationConfig{Type: "scale_up", LoopDetectionWindow: 3}
		down := policy.RemediationConfig{Type: "scale_down", LoopDetectionWindow: 3}
		ev := qos.Event{SLO: "tput"}

		Expect(must(ex.Execute(context.Background(), "p3", up, ev))).To(Equal(qos.OutcomeExecuted))
		Expect(must(ex.Execute(context.Background(), "p3", down, ev))).To(Equal(qos.OutcomeExecuted))
		outcome, _ := ex.Execute(context.Background(), "p3", up, ev)
		Expect(outcome).To(Equal(qos.OutcomeLoopDetected))

		ex.Reset("p3", "scale_up")
		outcome, _ = ex.Execute(context.Background(), "p3", up, ev)
		Expect(outcome).To(Equal(qos.OutcomeExecuted))
	})
})

func must(o qos.RemediationOutcome, err error) qos.RemediationOutcome {
	Expect(err).NotTo(HaveOccurred())
	return o
}
