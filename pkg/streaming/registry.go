// Package streaming implements the stream registry (C4): it tracks every
// in-flight generation, routes chunk/stats/event notifications to the
// right stream, enforces per-stream backpressure, and reports aggregate
// metrics, per spec §4.4.
package streaming

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// State is one stage of a stream's lifecycle.
type State int

const (
	StateActive State = iota
	StateCompleted
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "active"
	}
}

// Signal is an advisory backpressure notice emitted to the owner of a
// stream (spec §4.4); producers may slow emission but are never forced.
type Signal int

const (
	SignalNone Signal = iota
	SignalBackpressure
	SignalSlowConsumer
)

// Stats is the immutable snapshot returned by register and read by
// observers; it never aliases the live stream record.
type Stats struct {
	StreamID         string
	State            State
	CreatedAt        time.Time
	FirstTokenAt      time.Time
	LastActivityAt   time.Time
	TokensGenerated  int
	UnackedChunks    int
	TimeToFirstToken time.Duration
	ThroughputTPS    float64
}

// AggregateSnapshot is the metrics envelope spec §4.4 names.
type AggregateSnapshot struct {
	Timestamp     time.Time
	ActiveStreams int
	TotalStreams  int64
	Completed     int64
	Cancelled     int64
	AvgTTFT       time.Duration
	AvgThroughput float64
	CurrentLimit  int
	Utilization   float64
}

// Options configures a new stream's admission.
type Options struct {
	Abort    <-chan struct{}
	Deadline time.Time
}

// stream is the mutable record; its fields are only touched with
// Registry.mu held.
type stream struct {
	id    string
	state State

	createdAt      time.Time
	firstTokenAt   time.Time
	lastActivityAt time.Time

	tokensGenerated int
	unackedChunks   int

	backpressureSince time.Time
	signal            Signal

	abort <-chan struct{}

	onChunk func(rpc.StreamChunkNotification)
	onStats func(rpc.StreamStatsNotification)
	onEvent func(rpc.StreamEventNotification)
	onSignal func(Signal)

	done chan struct{}
}

// Config holds the knobs from spec §4.4.
type Config struct {
	HardMaxStreams        int
	InitialLimit          int
	BackpressureThreshold int
	SlowConsumerWindow    time.Duration
	Now                   func() time.Time
}

// Registry is the C4 stream registry. All mutation passes through the mu
// mutex guard; it is otherwise a cooperative single-writer structure,
// readers getting immutable Stats snapshots (spec §5).
type Registry struct {
	log     logr.Logger
	cfg     Config
	metrics *metrics.Registry

	mu           sync.Mutex
	streams      map[string]*stream
	currentLimit int

	totalStreams int64
	completed    int64
	cancelled    int64
}

// New builds a Registry in the closed-at-InitialLimit state.
func New(log logr.Logger, cfg Config, m *metrics.Registry) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		log:          log,
		cfg:          cfg,
		metrics:      m,
		streams:      make(map[string]*stream),
		currentLimit: cfg.InitialLimit,
	}
}

// Subscription bundles the callbacks a caller wants invoked as chunks,
// stats, events, or backpressure signals arrive for its stream.
type Subscription struct {
	OnChunk  func(rpc.StreamChunkNotification)
	OnStats  func(rpc.StreamStatsNotification)
	OnEvent  func(rpc.StreamEventNotification)
	OnSignal func(Signal)
}

// Register admits a new stream if active_streams < current_limit;
// otherwise it rejects with an overload error (spec §4.4).
func (r *Registry) Register(streamID string, opts Options, sub Subscription) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.streams) >= r.currentLimit {
		return nil, rpc.New(rpc.KindOverload, "stream registry at current_limit")
	}
	if _, exists := r.streams[streamID]; exists {
		return nil, rpc.New(rpc.KindRPCInvalidParams, "stream_id already registered")
	}

	now := r.cfg.Now()
	s := &stream{
		id:             streamID,
		state:          StateActive,
		createdAt:      now,
		lastActivityAt: now,
		abort:          opts.Abort,
		onChunk:        sub.OnChunk,
		onStats:        sub.OnStats,
		onEvent:        sub.OnEvent,
		onSignal:       sub.OnSignal,
		done:           make(chan struct{}),
	}
	r.streams[streamID] = s
	r.totalStreams++
	if r.metrics != nil {
		r.metrics.StreamsTotal.Inc()
	}

	if opts.Abort != nil {
		go r.watchAbort(streamID, opts.Abort, s.done)
	}

	return r.snapshotLocked(s), nil
}

func (r *Registry) watchAbort(streamID string, abort <-chan struct{}, done chan struct{}) {
	select {
	case <-abort:
		r.Cancel(streamID)
	case <-done:
	}
}

// HandleChunk routes a chunk notification to its stream and increments
// unacked_chunks, recording first_token_at on the first delivery.
func (r *Registry) HandleChunk(n rpc.StreamChunkNotification) {
	r.mu.Lock()
	s, ok := r.streams[n.StreamID]
	if !ok || s.state != StateActive {
		r.mu.Unlock()
		return
	}

	now := r.cfg.Now()
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = now
	}
	s.lastActivityAt = now
	s.unackedChunks++
	switch {
	case len(n.Tokens) > 0:
		s.tokensGenerated += len(n.Tokens)
	case n.Token != "":
		s.tokensGenerated++
	}

	r.maybeSignalLocked(s, now)
	handler := s.onChunk
	r.mu.Unlock()

	if handler != nil {
		handler(n)
	}
}

// maybeSignalLocked evaluates the backpressure/slow_consumer transition
// described in spec §4.4. Caller holds r.mu.
func (r *Registry) maybeSignalLocked(s *stream, now time.Time) {
	if s.unackedChunks >= r.cfg.BackpressureThreshold {
		if s.backpressureSince.IsZero() {
			s.backpressureSince = now
		}
		next := SignalBackpressure
		if now.Sub(s.backpressureSince) > r.cfg.SlowConsumerWindow {
			next = SignalSlowConsumer
		}
		if next != s.signal {
			s.signal = next
			if s.onSignal != nil {
				go s.onSignal(next)
			}
		}
	}
}

// AcknowledgeChunk decreases unacked_chunks and clears backpressure state
// once the count drops below threshold.
func (r *Registry) AcknowledgeChunk(streamID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return
	}
	s.unackedChunks -= n
	if s.unackedChunks < 0 {
		s.unackedChunks = 0
	}
	if s.unackedChunks < r.cfg.BackpressureThreshold {
		s.backpressureSince = time.Time{}
		s.signal = SignalNone
	}
}

// HandleStats settles terminal statistics for a stream.
func (r *Registry) HandleStats(n rpc.StreamStatsNotification) {
	r.mu.Lock()
	s, ok := r.streams[n.StreamID]
	if !ok {
		r.mu.Unlock()
		return
	}
	handler := s.onStats
	r.mu.Unlock()

	if handler != nil {
		handler(n)
	}
}

// HandleEvent settles a terminal event, transitioning the stream to
// completed or errored and removing it from the live table.
func (r *Registry) HandleEvent(n rpc.StreamEventNotification) {
	r.mu.Lock()
	s, ok := r.streams[n.StreamID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch n.Kind {
	case "error":
		s.state = StateErrored
		r.cancelled++ // errored streams count against availability like cancellations
		if r.metrics != nil {
			r.metrics.StreamsFailed.Inc()
		}
	default:
		s.state = StateCompleted
		r.completed++
		if r.metrics != nil {
			r.metrics.StreamsComplete.Inc()
			r.metrics.TTFTSeconds.Observe(r.snapshotLocked(s).TimeToFirstToken.Seconds())
			r.metrics.ThroughputTPS.Observe(r.snapshotLocked(s).ThroughputTPS)
		}
	}

	delete(r.streams, n.StreamID)
	handler := s.onEvent
	r.mu.Unlock()

	close(s.done)
	if handler != nil {
		handler(n)
	}
}

// Cancel moves a stream to cancelled and emits a terminal event to its
// own subscriber (the upstream runtime is notified by the caller, which
// owns the bridge connection — the registry only owns bookkeeping).
func (r *Registry) Cancel(streamID string) {
	r.mu.Lock()
	s, ok := r.streams[streamID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.state = StateCancelled
	r.cancelled++
	if r.metrics != nil {
		r.metrics.StreamsCanceled.Inc()
	}
	delete(r.streams, streamID)
	handler := s.onEvent
	r.mu.Unlock()

	close(s.done)
	if handler != nil {
		handler(rpc.StreamEventNotification{StreamID: streamID, Kind: "completed", IsFinal: true})
	}
}

// SetLimit adjusts current_limit, clamped to [0, hard_max_streams], so a
// governor (e.g. the QoS remediation executor) can throttle admission
// without ever exceeding the configured hard ceiling (spec §4.4).
func (r *Registry) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.cfg.HardMaxStreams {
		n = r.cfg.HardMaxStreams
	}
	if n < 0 {
		n = 0
	}
	r.currentLimit = n
}

// Snapshot returns an immutable copy of one stream's stats.
func (r *Registry) Snapshot(streamID string) (*Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	if !ok {
		return nil, false
	}
	return r.snapshotLocked(s), true
}

func (r *Registry) snapshotLocked(s *stream) *Stats {
	ttft := time.Duration(0)
	if !s.firstTokenAt.IsZero() {
		ttft = s.firstTokenAt.Sub(s.createdAt)
	}
	throughput := 0.0
	if d := s.lastActivityAt.Sub(s.createdAt).Seconds(); d > 0 {
		throughput = float64(s.tokensGenerated) / d
	}
	return &Stats{
		StreamID:         s.id,
		State:            s.state,
		CreatedAt:        s.createdAt,
		FirstTokenAt:     s.firstTokenAt,
		LastActivityAt:   s.lastActivityAt,
		TokensGenerated:  s.tokensGenerated,
		UnackedChunks:    s.unackedChunks,
		TimeToFirstToken: ttft,
		ThroughputTPS:    throughput,
	}
}

// Aggregate computes the registry-wide metrics envelope (spec §4.4).
func (r *Registry) Aggregate() AggregateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ttftSum time.Duration
	var throughputSum float64
	var n int
	for _, s := range r.streams {
		snap := r.snapshotLocked(s)
		ttftSum += snap.TimeToFirstToken
		throughputSum += snap.ThroughputTPS
		n++
	}

	avgTTFT := time.Duration(0)
	avgThroughput := 0.0
	if n > 0 {
		avgTTFT = ttftSum / time.Duration(n)
		avgThroughput = throughputSum / float64(n)
	}

	util := 0.0
	if r.currentLimit > 0 {
		util = float64(len(r.streams)) / float64(r.currentLimit)
	}

	if r.metrics != nil {
		r.metrics.StreamsActive.Set(float64(len(r.streams)))
	}

	return AggregateSnapshot{
		Timestamp:     r.cfg.Now(),
		ActiveStreams: len(r.streams),
		TotalStreams:  r.totalStreams,
		Completed:     r.completed,
		Cancelled:     r.cancelled,
		AvgTTFT:       avgTTFT,
		AvgThroughput: avgThroughput,
		CurrentLimit:  r.currentLimit,
		Utilization:   util,
	}
}
