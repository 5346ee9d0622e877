package qos_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/qos"
)

var _ = Describe("Evaluator", func() {
	var clock time.Time
	now := func() time.Time { return clock }

	BeforeEach(func() { clock = time.Unix(1000, 0) })

	It("emits a violation once the p95 window exceeds threshold, then a recovery once it clears", func() {
		m := metrics.New(prometheus.NewRegistry())
		e := qos.NewEvaluator(logging.Noop(), m, now)
		e.RegisterSLO(qos.SLO{Name: "ttft-acme", Metric: qos.MetricTTFT, Threshold: 1.0, Tenant: "acme", Window: time.Minute})

		for i := 0; i < 20; i++ {
			e.RecordSample(qos.Sample{Metric: qos.MetricTTFT, Tenant: "acme", Value: 2.0, At: clock})
		}
		events := e.Evaluate()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Kind).To(Equal(qos.EventViolation))
		Expect(events[0].SLO).To(Equal("ttft-acme"))

		Expect(e.Evaluate()).To(BeEmpty(), "repeated violation must not re-fire while still active")

		clock = clock.Add(2 * time.Minute) // window fully ages out
		for i := 0; i < 20; i++ {
			e.RecordSample(qos.Sample{Metric: qos.MetricTTFT, Tenant: "acme", Value: 0.1, At: clock})
		}
		events = e.Evaluate()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Kind).To(Equal(qos.EventRecovery))
	})

	It("computes error_rate as the share of samples with value >= 1", func() {
		m := metrics.New(prometheus.NewRegistry())
		e := qos.NewEvaluator(logging.Noop(), m, now)
		e.RegisterSLO(qos.SLO{Name: "errors", Metric: qos.MetricErrorRate, Threshold: 0.4, Window: time.Minute})

		for i := 0; i < 10; i++ {
			val := 0.0
			if i < 6 {
				val = 1.0
			}
			e.RecordSample(qos.Sample{Metric: qos.MetricErrorRate, Value: val, At: clock})
		}
		events := e.Evaluate()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Value).To(BeNumerically("~", 0.6, 0.001))
	})

	It("computes throughput as samples per window second", func() {
		m := metrics.New(prometheus.NewRegistry())
		e := qos.NewEvaluator(logging.Noop(), m, now)
		e.RegisterSLO(qos.SLO{Name: "tput", Metric: qos.MetricThroughput, Threshold: 5, Window: 10 * time.Second})

		for i := 0; i < 100; i++ {
			e.RecordSample(qos.Sample{Metric: qos.MetricThroughput, Value: 0, At: clock})
		}
		events := e.Evaluate()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Value).To(BeNumerically("~", 10, 0.001))
	})
})
