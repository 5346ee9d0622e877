package qos_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/qos"
	"github.com/inferfabric/fabric/pkg/qos/policy"
)

type fakeMatcher struct {
	policy policy.Policy
	found  bool
}

func (f fakeMatcher) Match(_ context.Context, _, _ string) (policy.Policy, bool, error) {
	return f.policy, f.found, nil
}

var _ = Describe("Monitor", func() {
	It("remediates a violation through the matched policy's remediation list", func() {
		var clock time.Time
		now := func() time.Time { return clock }
		clock = time.Unix(5000, 0)

		m := metrics.New(prometheus.NewRegistry())
		evaluator := qos.NewEvaluator(logging.Noop(), m, now)
		evaluator.RegisterSLO(qos.SLO{Name: "errors", Metric: qos.MetricErrorRate, Threshold: 0.2, Window: time.Minute})

		action := &countingAction{}
		executor := qos.NewExecutor(logging.Noop(), action, m, now)

		matcher := fakeMatcher{found: true, policy: policy.Policy{
			Name: "default",
			Remediations: []policy.RemediationConfig{{Type: "alert", CooldownMs: 1000}},
		}}

		monitor := qos.NewMonitor(logging.Noop(), evaluator, matcher, executor, time.Millisecond)

		for i := 0; i < 10; i++ {
			evaluator.RecordSample(qos.Sample{Metric: qos.MetricErrorRate, Value: 1.0, At: clock})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		monitor.Run(ctx)

		Expect(action.count()).To(Equal(1))
	})

	It("does not remediate when no policy matches", func() {
		var clock time.Time
		now := func() time.Time { return clock }
		clock = time.Unix(6000, 0)

		m := metrics.New(prometheus.NewRegistry())
		evaluator := qos.NewEvaluator(logging.Noop(), m, now)
		evaluator.RegisterSLO(qos.SLO{Name: "errors", Metric: qos.MetricErrorRate, Threshold: 0.2, Window: time.Minute})

		action := &countingAction{}
		executor := qos.NewExecutor(logging.Noop(), action, m, now)
		monitor := qos.NewMonitor(logging.Noop(), evaluator, fakeMatcher{found: false}, executor, time.Millisecond)

		for i := 0; i < 10; i++ {
			evaluator.RecordSample(qos.Sample{Metric: qos.MetricErrorRate, Value: 1.0, At: clock})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		monitor.Run(ctx)

		Expect(action.count()).To(Equal(0))
	})
})
