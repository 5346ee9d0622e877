// Package metrics owns the one Prometheus registry each process creates
// (SPEC_FULL A3) and the metric families shared by more than one component.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles a prometheus.Registerer with the cross-component metric
// families so constructors take one handle instead of reaching for a
// package-level default registry.
type Registry struct {
	Reg prometheus.Registerer

	StreamsActive   prometheus.Gauge
	StreamsTotal    prometheus.Counter
	StreamsComplete prometheus.Counter
	StreamsCanceled prometheus.Counter
	StreamsFailed   prometheus.Counter
	TTFTSeconds     prometheus.Histogram
	ThroughputTPS   prometheus.Histogram

	BatchDispatches prometheus.Counter
	BatchSizeHist   prometheus.Histogram

	CoalescingHits  prometheus.Counter
	CoalescingTotal prometheus.Counter

	ControllerRetries prometheus.Counter
	ControllerErrors  *prometheus.CounterVec

	QoSViolations   *prometheus.CounterVec
	QoSRemediations *prometheus.CounterVec
}

// New constructs and registers every metric family once.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Reg: reg,
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_streams_active", Help: "Currently active generation streams.",
		}),
		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_streams_total", Help: "Streams registered since start.",
		}),
		StreamsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_streams_completed_total", Help: "Streams that reached completed.",
		}),
		StreamsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_streams_cancelled_total", Help: "Streams that reached cancelled.",
		}),
		StreamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_streams_failed_total", Help: "Streams that reached failed.",
		}),
		TTFTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fabric_time_to_first_token_seconds", Help: "Time to first token per stream.",
			Buckets: prometheus.DefBuckets,
		}),
		ThroughputTPS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fabric_stream_throughput_tokens_per_second", Help: "Stream throughput at completion.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BatchDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_batch_dispatches_total", Help: "batch_generate envelopes dispatched.",
		}),
		BatchSizeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fabric_batch_size", Help: "Entries per dispatched batch.",
			Buckets: prometheus.LinearBuckets(1, 2, 16),
		}),
		CoalescingHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_coalescing_subscriber_hits_total", Help: "Subscribers attached to an existing primary.",
		}),
		CoalescingTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_coalescing_requests_total", Help: "coalesce() calls observed.",
		}),
		ControllerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_controller_retries_total", Help: "Controller-initiated retries.",
		}),
		ControllerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_controller_errors_total", Help: "Controller request failures by final error code.",
		}, []string{"code"}),
		QoSViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_qos_violations_total", Help: "SLO violation events by slo name.",
		}, []string{"slo"}),
		QoSRemediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_qos_remediations_total", Help: "Remediation executions by action and outcome.",
		}, []string{"action", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.StreamsActive, m.StreamsTotal, m.StreamsComplete, m.StreamsCanceled, m.StreamsFailed,
		m.TTFTSeconds, m.ThroughputTPS, m.BatchDispatches, m.BatchSizeHist,
		m.CoalescingHits, m.CoalescingTotal, m.ControllerRetries, m.ControllerErrors,
		m.QoSViolations, m.QoSRemediations,
	} {
		reg.MustRegister(c)
	}
	return m
}
