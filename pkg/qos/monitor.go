package qos

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/qos/policy"
)

// PolicyMatcher is the subset of *policy.Store the monitor depends on.
type PolicyMatcher interface {
	Match(ctx context.Context, tenantID, modelID string) (policy.Policy, bool, error)
}

// Monitor ties the evaluator, policy store, and executor together on an
// evaluation_interval_ms tick (spec §4.9): on each violation event it looks
// up the single highest-priority matching policy and runs only that
// policy's remediations; recovery events are logged only.
type Monitor struct {
	log       logr.Logger
	evaluator *Evaluator
	store     PolicyMatcher
	executor  *Executor
	interval  time.Duration
}

// NewMonitor builds a Monitor.
func NewMonitor(log logr.Logger, e *Evaluator, store PolicyMatcher, executor *Executor, interval time.Duration) *Monitor {
	return &Monitor{log: log, evaluator: e, store: store, executor: executor, interval: interval}
}

// Run ticks every interval until ctx is done, evaluating SLOs and
// driving remediation for violation events only (recoveries are logged,
// not remediated).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	for _, ev := range m.evaluator.Evaluate() {
		m.log.Info("slo event", "kind", ev.Kind.String(), "slo", ev.SLO, "tenant", ev.Tenant, "model", ev.Model,
			"value", ev.Value, "threshold", ev.Threshold)
		if ev.Kind != EventViolation {
			continue
		}
		p, ok, err := m.store.Match(ctx, ev.Tenant, ev.Model)
		if err != nil {
			m.log.Error(err, "policy match failed", "slo", ev.SLO)
			continue
		}
		if !ok {
			continue
		}
		for _, cfg := range p.Remediations {
			outcome, err := m.executor.Execute(ctx, p.Name, cfg, ev)
			if err != nil {
				m.log.Error(err, "remediation action failed", "action", cfg.Type, "policy", p.Name)
			}
			if outcome != OutcomeExecuted {
				m.log.Info("remediation gated", "action", cfg.Type, "policy", p.Name, "outcome", outcome.String())
			}
		}
	}
}
