// Package policy implements the QoS policy store (C9): a set of SLO/
// remediation policies scoped by tenant_id/model_id, matched via an
// embedded Rego module so "highest-priority match wins" is expressed as
// a policy query rather than hand-rolled comparison logic, with the
// bundle directory hot-reloaded on change (spec §4.9 "[EXPANSION]").
package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/inferfabric/fabric/pkg/rpc"
)

// SLO is one threshold a policy evaluates (spec §4.9).
type SLO struct {
	Name      string  `json:"name"`
	Metric    string  `json:"metric"` // ttft | latency_p95 | error_rate | throughput
	Threshold float64 `json:"threshold"`
}

// RemediationConfig is one action a policy wires to its SLOs.
type RemediationConfig struct {
	Type                   string `json:"type"` // scale_up | scale_down | throttle | alert | restart
	CooldownMs             int64  `json:"cooldown_ms"`
	ExecutionWindowMs      int64  `json:"execution_window_ms"`
	MaxExecutionsPerWindow int    `json:"max_executions_per_window"`
	LoopDetectionWindow    int    `json:"loop_detection_window"`
}

// Policy bundles SLOs and remediations scoped to a tenant/model pair. An
// empty TenantID or ModelID matches any value for that dimension.
type Policy struct {
	Name         string              `json:"name"`
	TenantID     string              `json:"tenant_id"`
	ModelID      string              `json:"model_id"`
	Priority     int                 `json:"priority"`
	SLOs         []SLO               `json:"slos"`
	Remediations []RemediationConfig `json:"remediations"`
}

// policyModule selects, among policies whose tenant_id/model_id either
// match the input or are wildcarded (empty), the one with the highest
// priority.
const policyModule = `
package qos

matches[p] {
	some i
	p := data.policies[i]
	p.tenant_id == ""
	p.model_id == ""
}

matches[p] {
	some i
	p := data.policies[i]
	p.tenant_id == input.tenant_id
	p.model_id == ""
}

matches[p] {
	some i
	p := data.policies[i]
	p.tenant_id == ""
	p.model_id == input.model_id
}

matches[p] {
	some i
	p := data.policies[i]
	p.tenant_id == input.tenant_id
	p.model_id == input.model_id
}

top_priority = p {
	prios := [x.priority | x := matches[_]]
	count(prios) > 0
	m := max(prios)
	some i
	p := matches[i]
	p.priority == m
}
`

// Config configures the bundle directory backing the store.
type Config struct {
	// BundleDir holds policies.json, a JSON array of Policy.
	BundleDir string
}

// Store is the C9 policy store: in-memory policy set, hot-reloaded from
// BundleDir, matched through an embedded Rego query.
type Store struct {
	log logr.Logger
	cfg Config

	mu       sync.RWMutex
	policies []Policy

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New builds a Store. Call StartHotReload to load the initial bundle and
// begin watching for changes.
func New(log logr.Logger, cfg Config) *Store {
	return &Store{log: log, cfg: cfg, stopCh: make(chan struct{})}
}

// Load reads policies.json synchronously, replacing the in-memory set.
func (s *Store) Load() error {
	path := filepath.Join(s.cfg.BundleDir, "policies.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return rpc.Wrap(err, rpc.KindRuntimeGeneric, "read policy bundle")
	}
	var policies []Policy
	if err := json.Unmarshal(raw, &policies); err != nil {
		return rpc.Wrap(err, rpc.KindRuntimeGeneric, "parse policy bundle")
	}
	s.mu.Lock()
	s.policies = policies
	s.mu.Unlock()
	return nil
}

// StartHotReload loads the bundle and begins watching BundleDir for
// changes, reloading on every write/create event.
func (s *Store) StartHotReload(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return rpc.Wrap(err, rpc.KindRuntimeGeneric, "create policy watcher")
	}
	if err := w.Add(s.cfg.BundleDir); err != nil {
		_ = w.Close()
		return rpc.Wrap(err, rpc.KindRuntimeGeneric, "watch policy bundle dir")
	}
	s.watcher = w
	go s.watchLoop(ctx)
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.Load(); err != nil {
					s.log.Error(err, "reload policy bundle")
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error(err, "policy watcher error")
		case <-ctx.Done():
			_ = s.watcher.Close()
			return
		case <-s.stopCh:
			_ = s.watcher.Close()
			return
		}
	}
}

// Stop tears down the file watcher.
func (s *Store) Stop() { close(s.stopCh) }

// Match returns the highest-priority policy whose tenant_id/model_id
// scoping (wildcarded by an empty string) covers the given pair.
func (s *Store) Match(ctx context.Context, tenantID, modelID string) (Policy, bool, error) {
	s.mu.RLock()
	snapshot := make([]map[string]interface{}, len(s.policies))
	raw, err := json.Marshal(s.policies)
	s.mu.RUnlock()
	if err != nil {
		return Policy{}, false, rpc.Wrap(err, rpc.KindRuntimeGeneric, "marshal policies for query")
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Policy{}, false, rpc.Wrap(err, rpc.KindRuntimeGeneric, "unmarshal policies for query")
	}

	store := inmem.NewFromObject(map[string]interface{}{"policies": snapshot})
	r := rego.New(
		rego.Query("data.qos.top_priority"),
		rego.Module("qos.rego", policyModule),
		rego.Store(store),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return Policy{}, false, rpc.Wrap(err, rpc.KindRuntimeGeneric, "prepare policy query")
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(map[string]interface{}{"tenant_id": tenantID, "model_id": modelID}))
	if err != nil {
		return Policy{}, false, rpc.Wrap(err, rpc.KindRuntimeGeneric, "evaluate policy query")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Policy{}, false, nil
	}

	encoded, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return Policy{}, false, rpc.Wrap(err, rpc.KindRuntimeGeneric, "marshal matched policy")
	}
	var p Policy
	if err := json.Unmarshal(encoded, &p); err != nil {
		return Policy{}, false, rpc.Wrap(err, rpc.KindRuntimeGeneric, "unmarshal matched policy")
	}
	return p, true, nil
}
