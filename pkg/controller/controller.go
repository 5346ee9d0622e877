// Package controller implements the north-facing router (C7): it selects
// an eligible worker instance per one of several strategies, dispatches
// the inference call through a per-worker circuit breaker, and retries
// against a different worker on a retryable failure (spec §4.7).
package controller

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/go-logr/logr"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// tracer emits one span per routed request, child spans per dispatch
// attempt, so a trace backend can show retries/worker selection next to
// the generator's own spans.
var tracer = otel.Tracer("github.com/inferfabric/fabric/pkg/controller")

// Health is a worker's last-reported health state.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthUnhealthy
)

// WorkerInfo is the routing snapshot for one worker, refreshed by the bus
// handler (worker.heartbeat) and read by the router (spec §5 "Worker
// registry (C7/C10): updated only by the bus handler; routing reads a
// snapshot").
type WorkerInfo struct {
	ID             string
	Health         Health
	CurrentLoad    float64
	Capacity       float64
	AvgLatency     time.Duration
	AvailableModels map[string]bool
}

func (w WorkerInfo) loadRatio() float64 {
	if w.Capacity <= 0 {
		return math.Inf(1)
	}
	return w.CurrentLoad / w.Capacity
}

// Strategy names the active routing policy (spec §4.7).
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyLeastLoaded    Strategy = "least_loaded"
	StrategyLatencyAware   Strategy = "latency_aware"
	StrategyConsistentHash Strategy = "consistent_hash"
)

// Chunk is one element of the opaque token stream returned to the caller
// of handle_inference_request; done/error chunks are terminal.
type Chunk struct {
	Token string
	Done  bool
	Err   *rpc.Error
}

// WorkerCaller dispatches one inference request to a specific worker and
// returns its token stream. Implemented by the bus-backed adapter that
// publishes to worker.<id>.inference and subscribes response.<request_id>
// (spec §4.10); the controller itself stays bus-agnostic.
type WorkerCaller interface {
	Call(ctx context.Context, workerID string, req InferenceRequest) (<-chan Chunk, error)
}

// InferenceRequest is handle_inference_request's params (spec §4.7).
type InferenceRequest struct {
	RequestID   string
	ModelID     string
	Prompt      string
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stream      bool
}

// RetryPolicy is the per-request retry configuration.
type RetryPolicy struct {
	Enabled        bool
	MaxRetries     int
	Delay          time.Duration
	RetryableCodes map[rpc.Kind]bool
}

// RequestConfig is the per-request configuration spec §4.7 names.
type RequestConfig struct {
	Timeout         time.Duration
	StreamingTimeout time.Duration
	Retry           RetryPolicy
}

// RequestMetrics is the observability envelope spec §4.7 names.
type RequestMetrics struct {
	DurationMs    int64
	RetryCount    int
	Timeouts      int
	FinalErrorCode rpc.Kind
}

// Config holds the breaker defaults and routing strategy.
type Config struct {
	Strategy                Strategy
	CircuitFailureThreshold uint32
	CircuitSuccessThreshold uint32
	CircuitTimeout          time.Duration
	LatencyLoadFactor       float64 // k in estimated_latency = avg_latency + k*load_ratio
}

// Controller is the C7 request router.
type Controller struct {
	log     logr.Logger
	cfg     Config
	caller  WorkerCaller
	metrics *metrics.Registry

	mu      sync.RWMutex
	workers map[string]WorkerInfo
	rrIndex int

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[any]
}

// New builds a Controller.
func New(log logr.Logger, caller WorkerCaller, cfg Config, m *metrics.Registry) *Controller {
	return &Controller{
		log:      log,
		cfg:      cfg,
		caller:   caller,
		metrics:  m,
		workers:  make(map[string]WorkerInfo),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// UpdateWorker refreshes one worker's routing snapshot; only the bus
// handler calls this (spec §5).
func (c *Controller) UpdateWorker(w WorkerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[w.ID] = w
}

// RemoveWorker drops a worker from the routing table (worker.deregister).
func (c *Controller) RemoveWorker(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, id)
}

func (c *Controller) breaker(workerID string) *gobreaker.CircuitBreaker[any] {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[workerID]
	if ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        workerID,
		MaxRequests: c.cfg.CircuitSuccessThreshold,
		Timeout:     c.cfg.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.CircuitFailureThreshold
		},
	})
	c.breakers[workerID] = b
	return b
}

func (c *Controller) circuitOpen(workerID string) bool {
	return c.breaker(workerID).State() == gobreaker.StateOpen
}

// eligible returns a snapshot of workers that may serve modelID right
// now: health != unhealthy, circuit != open, model in skills (spec
// §4.7).
func (c *Controller) eligible(modelID string, exclude map[string]bool) []WorkerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(c.workers))
	for id, w := range c.workers {
		if exclude[id] {
			continue
		}
		if w.Health == HealthUnhealthy {
			continue
		}
		if !w.AvailableModels[modelID] {
			continue
		}
		if c.circuitOpen(id) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// select picks one eligible worker per the active strategy.
func (c *Controller) selectWorker(modelID, requestKey string, exclude map[string]bool) (WorkerInfo, bool) {
	candidates := c.eligible(modelID, exclude)
	if len(candidates) == 0 {
		return WorkerInfo{}, false
	}

	switch c.cfg.Strategy {
	case StrategyLeastLoaded:
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.loadRatio() < best.loadRatio() {
				best = w
			}
		}
		return best, true

	case StrategyLatencyAware:
		best := candidates[0]
		bestEst := c.estimatedLatency(best)
		for _, w := range candidates[1:] {
			if est := c.estimatedLatency(w); est < bestEst {
				best, bestEst = w, est
			}
		}
		return best, true

	case StrategyConsistentHash:
		ids := make([]string, len(candidates))
		byID := make(map[string]WorkerInfo, len(candidates))
		for i, w := range candidates {
			ids[i] = w.ID
			byID[w.ID] = w
		}
		ring := rendezvous.New(ids, xxhash.Sum64String)
		chosen := ring.Lookup(requestKey)
		return byID[chosen], true

	default: // round_robin
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		c.mu.Lock()
		idx := c.rrIndex % len(candidates)
		c.rrIndex++
		c.mu.Unlock()
		return candidates[idx], true
	}
}

func (c *Controller) estimatedLatency(w WorkerInfo) time.Duration {
	return w.AvgLatency + time.Duration(c.cfg.LatencyLoadFactor*float64(w.loadRatio())*float64(time.Second))
}

// HandleInferenceRequest routes req to an eligible worker, retrying
// against a different worker on a retryable failure (spec §4.7). If no
// worker is eligible, it fails instantly rather than waiting for one to
// appear.
func (c *Controller) HandleInferenceRequest(ctx context.Context, req InferenceRequest, rc RequestConfig) (ch <-chan Chunk, metricsOut RequestMetrics, err error) {
	ctx, span := tracer.Start(ctx, "controller.HandleInferenceRequest", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model_id", req.ModelID),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("retry_count", metricsOut.RetryCount),
			attribute.Int64("duration_ms", metricsOut.DurationMs),
		)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	start := time.Now()
	metricsOut = RequestMetrics{}
	excluded := make(map[string]bool)

	timeout := rc.Timeout
	if req.Stream && rc.StreamingTimeout > 0 {
		timeout = rc.StreamingTimeout
	}

	attempts := 0
	maxAttempts := 1
	var backoff retry.Backoff
	if rc.Retry.Enabled {
		maxAttempts += rc.Retry.MaxRetries
		if b, err := retry.NewConstant(rc.Retry.Delay); err == nil {
			backoff = b
		}
	}

	for attempts < maxAttempts {
		attempts++
		w, ok := c.selectWorker(req.ModelID, req.RequestID, excluded)
		if !ok {
			metricsOut.FinalErrorCode = rpc.KindWorkerUnavailable
			metricsOut.DurationMs = time.Since(start).Milliseconds()
			return nil, metricsOut, rpc.New(rpc.KindWorkerUnavailable, "no workers for model")
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		ch, err := c.dispatch(callCtx, w.ID, req)
		cancel()

		if err == nil {
			metricsOut.DurationMs = time.Since(start).Milliseconds()
			return ch, metricsOut, nil
		}

		if callCtx.Err() == context.DeadlineExceeded {
			metricsOut.Timeouts++
		}

		kind, _ := rpc.KindOf(err)
		excluded[w.ID] = true

		if attempts >= maxAttempts || !rc.Retry.Enabled || !rc.Retry.RetryableCodes[kind] {
			metricsOut.FinalErrorCode = kind
			metricsOut.DurationMs = time.Since(start).Milliseconds()
			return nil, metricsOut, err
		}

		metricsOut.RetryCount++
		if c.metrics != nil {
			c.metrics.ControllerRetries.Inc()
		}
		delay := rc.Retry.Delay
		if backoff != nil {
			if d, stop := backoff.Next(); !stop {
				delay = d
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			metricsOut.FinalErrorCode = rpc.KindAborted
			metricsOut.DurationMs = time.Since(start).Milliseconds()
			return nil, metricsOut, rpc.New(rpc.KindAborted, ctx.Err().Error())
		}
	}

	metricsOut.FinalErrorCode = rpc.KindWorkerUnavailable
	metricsOut.DurationMs = time.Since(start).Milliseconds()
	return nil, metricsOut, rpc.New(rpc.KindWorkerUnavailable, "no workers for model")
}

// dispatch calls through the per-worker circuit breaker, recording the
// failure against it on error (spec §4.7).
func (c *Controller) dispatch(ctx context.Context, workerID string, req InferenceRequest) (<-chan Chunk, error) {
	ctx, span := tracer.Start(ctx, "controller.dispatch", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	b := c.breaker(workerID)
	res, err := b.Execute(func() (any, error) {
		return c.caller.Call(ctx, workerID, req)
	})
	if err != nil {
		span.RecordError(err)
		if c.metrics != nil {
			c.metrics.ControllerErrors.WithLabelValues(string(errKind(err))).Inc()
		}
		return nil, err
	}
	return res.(<-chan Chunk), nil
}

func errKind(err error) rpc.Kind {
	if k, ok := rpc.KindOf(err); ok {
		return k
	}
	return rpc.KindRuntimeGeneric
}
