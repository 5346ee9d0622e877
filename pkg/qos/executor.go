package qos

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/qos/policy"
)

// opposingActions pairs remediation types whose alternation within a
// short window signals a control loop (spec §4.9 "loop detection":
// scale_up <-> scale_down).
var opposingActions = map[string]string{
	"scale_up":   "scale_down",
	"scale_down": "scale_up",
}

type keyState struct {
	cooldown    workqueue.TypedRateLimiter[string]
	nextAllowed time.Time
	execTimes   []time.Time
}

// loopState tracks the shared alternation history for one opposing-action
// pair (e.g. scale_up/scale_down) so either direction can observe the
// other's moves; keying it per action type instead would hide the
// alternation from both sides.
type loopState struct {
	history     []string
	breakerOpen bool
}

// Executor runs remediations behind cooldown, rate limiting, and loop
// detection, tripping a per-pair circuit breaker on detected oscillation
// (spec §4.9).
type Executor struct {
	log     logr.Logger
	action  ActionExecutor
	metrics *metrics.Registry
	now     func() time.Time

	mu         sync.Mutex
	states     map[string]*keyState
	loopStates map[string]*loopState
}

// NewExecutor builds an Executor delegating side effects to action.
func NewExecutor(log logr.Logger, action ActionExecutor, m *metrics.Registry, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{
		log: log, action: action, metrics: m, now: now,
		states:     make(map[string]*keyState),
		loopStates: make(map[string]*loopState),
	}
}

func (e *Executor) stateFor(key string, cooldown time.Duration) *keyState {
	st, ok := e.states[key]
	if ok {
		return st
	}
	st = &keyState{cooldown: workqueue.NewTypedItemExponentialFailureRateLimiter[string](cooldown, cooldown)}
	e.states[key] = st
	return st
}

func (e *Executor) loopStateFor(key string) *loopState {
	ls, ok := e.loopStates[key]
	if ok {
		return ls
	}
	ls = &loopState{}
	e.loopStates[key] = ls
	return ls
}

// loopGroupKey returns a key shared by both directions of an opposing
// action pair, so scale_up and scale_down land in the same loopState.
func loopGroupKey(policyName, a, b string) string {
	if a > b {
		a, b = b, a
	}
	return policyName + "/loop/" + a + "|" + b
}

// Execute runs one remediation for policyName's cfg against event,
// returning the gating outcome. A non-nil error means the action itself
// failed (it was still attempted); gating outcomes never return an
// error.
func (e *Executor) Execute(ctx context.Context, policyName string, cfg policy.RemediationConfig, event Event) (RemediationOutcome, error) {
	key := policyName + "/" + cfg.Type
	now := e.now()

	e.mu.Lock()
	st := e.stateFor(key, time.Duration(cfg.CooldownMs)*time.Millisecond)

	opposing, hasOpposing := opposingActions[cfg.Type]
	var ls *loopState
	if hasOpposing {
		ls = e.loopStateFor(loopGroupKey(policyName, cfg.Type, opposing))
		if ls.breakerOpen {
			e.mu.Unlock()
			e.recordOutcome(cfg.Type, OutcomeLoopDetected)
			return OutcomeLoopDetected, nil
		}
	}

	if !st.nextAllowed.IsZero() && now.Before(st.nextAllowed) {
		e.mu.Unlock()
		e.recordOutcome(cfg.Type, OutcomeRateLimited)
		return OutcomeRateLimited, nil
	}

	windowMs := time.Duration(cfg.ExecutionWindowMs) * time.Millisecond
	if windowMs > 0 {
		cut := now.Add(-windowMs)
		kept := st.execTimes[:0]
		for _, t := range st.execTimes {
			if t.After(cut) {
				kept = append(kept, t)
			}
		}
		st.execTimes = kept
		if cfg.MaxExecutionsPerWindow > 0 && len(st.execTimes) >= cfg.MaxExecutionsPerWindow {
			e.mu.Unlock()
			e.recordOutcome(cfg.Type, OutcomeRateLimited)
			return OutcomeRateLimited, nil
		}
	}

	if hasOpposing {
		if loopWindow := cfg.LoopDetectionWindow; loopWindow > 1 && len(ls.history) >= loopWindow-1 {
			if alternatesWith(ls.history, loopWindow-1, cfg.Type, opposing) {
				ls.breakerOpen = true
				e.mu.Unlock()
				e.recordOutcome(cfg.Type, OutcomeLoopDetected)
				return OutcomeLoopDetected, nil
			}
		}
	}

	if cfg.CooldownMs > 0 {
		d := st.cooldown.When(key)
		st.cooldown.Forget(key)
		st.nextAllowed = now.Add(d)
	}
	st.execTimes = append(st.execTimes, now)
	if hasOpposing {
		ls.history = append(ls.history, cfg.Type)
		if extra := len(ls.history) - cfg.LoopDetectionWindow; cfg.LoopDetectionWindow > 0 && extra > 0 {
			ls.history = ls.history[extra:]
		}
	}
	e.mu.Unlock()

	e.recordOutcome(cfg.Type, OutcomeExecuted)
	return OutcomeExecuted, e.action.Execute(ctx, cfg.Type, key, event)
}

// alternatesWith reports whether the last n entries of history, followed
// by next, strictly alternate between a and b.
func alternatesWith(history []string, n int, next, opposing string) bool {
	tail := history
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	seq := append(append([]string{}, tail...), next)
	if len(seq) < 2 {
		return false
	}
	for i := 1; i < len(seq); i++ {
		a, b := seq[i-1], seq[i]
		if !((a == next && b == opposing) || (a == opposing && b == next)) {
			return false
		}
	}
	return seq[len(seq)-1] == next || seq[len(seq)-1] == opposing
}

func (e *Executor) recordOutcome(actionType string, outcome RemediationOutcome) {
	if e.metrics != nil {
		e.metrics.QoSRemediations.WithLabelValues(actionType, outcome.String()).Inc()
	}
}

// Reset clears a tripped circuit breaker for actionType's opposing-action
// group under policyName (external reset per spec §4.9 "denied until
// externally reset").
func (e *Executor) Reset(policyName, actionType string) {
	key := loopGroupKey(policyName, actionType, opposingActions[actionType])
	e.mu.Lock()
	defer e.mu.Unlock()
	if ls, ok := e.loopStates[key]; ok {
		ls.breakerOpen = false
		ls.history = nil
	}
}
