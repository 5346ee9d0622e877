package qos

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/qos/digest"
)

type windowKey struct {
	metric Metric
	tenant string
	model  string
}

type window struct {
	samples []Sample
}

func (w *window) record(s Sample, retain time.Duration, now time.Time) {
	w.samples = append(w.samples, s)
	w.prune(retain, now)
}

func (w *window) prune(retain time.Duration, now time.Time) {
	if retain <= 0 {
		return
	}
	cut := now.Add(-retain)
	i := 0
	for i < len(w.samples) && w.samples[i].At.Before(cut) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Evaluator is the single-writer C9 sample collector and SLO checker.
// All mutation happens through RecordSample/Evaluate; callers must not
// share an Evaluator across goroutines without external serialization
// beyond that exposed here (spec §5 "single-writer per instance").
type Evaluator struct {
	log     logr.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	slos     []SLO
	windows  map[windowKey]*window
	active   map[string]bool // dedup key -> currently violating
}

// NewEvaluator builds an Evaluator with no registered SLOs.
func NewEvaluator(log logr.Logger, m *metrics.Registry, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		log:     log,
		metrics: m,
		now:     now,
		windows: make(map[windowKey]*window),
		active:  make(map[string]bool),
	}
}

// RegisterSLO adds (or replaces, by name) one SLO.
func (e *Evaluator) RegisterSLO(s SLO) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.slos {
		if existing.Name == s.Name {
			e.slos[i] = s
			return
		}
	}
	e.slos = append(e.slos, s)
}

// RecordSample appends one observation to its (metric, tenant, model)
// window, pruning samples older than the 5-minute default retention
// (SLOs with a shorter Window simply see fewer of them at Evaluate
// time).
func (e *Evaluator) RecordSample(s Sample) {
	now := e.now()
	if s.At.IsZero() {
		s.At = now
	}
	key := windowKey{metric: s.Metric, tenant: s.Tenant, model: s.Model}

	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[key]
	if !ok {
		w = &window{}
		e.windows[key] = w
	}
	w.record(s, 5*time.Minute, now)
}

// Evaluate runs every registered SLO against its current window and
// returns the state-transition events (spec §4.9); evaluations that
// don't cross the threshold boundary since the last call are silent.
func (e *Evaluator) Evaluate() []Event {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, s := range e.slos {
		key := windowKey{metric: s.Metric, tenant: s.Tenant, model: s.Model}
		w, ok := e.windows[key]
		if !ok {
			continue
		}
		w.prune(s.Window, now)
		if len(w.samples) == 0 {
			continue
		}

		value := evaluateMetric(s.Metric, w.samples, s.Window)
		violating := value > s.Threshold

		ev := Event{SLO: s.Name, Tenant: s.Tenant, Model: s.Model, Value: value, Threshold: s.Threshold, At: now}
		dedupKey := ev.key()
		wasActive := e.active[dedupKey]

		switch {
		case violating && !wasActive:
			e.active[dedupKey] = true
			ev.Kind = EventViolation
			events = append(events, ev)
			if e.metrics != nil {
				e.metrics.QoSViolations.WithLabelValues(s.Name).Inc()
			}
		case !violating && wasActive:
			delete(e.active, dedupKey)
			ev.Kind = EventRecovery
			events = append(events, ev)
		}
	}
	return events
}

func evaluateMetric(m Metric, samples []Sample, window time.Duration) float64 {
	switch m {
	case MetricTTFT, MetricLatencyP95:
		d := digest.New(len(samples))
		for _, s := range samples {
			d.Add(s.Value)
		}
		return d.Quantile(0.95)
	case MetricErrorRate:
		errs := 0
		for _, s := range samples {
			if s.Value >= 1 {
				errs++
			}
		}
		return float64(errs) / float64(len(samples))
	case MetricThroughput:
		secs := window.Seconds()
		if secs <= 0 {
			secs = 1
		}
		return float64(len(samples)) / secs
	default:
		return 0
	}
}
