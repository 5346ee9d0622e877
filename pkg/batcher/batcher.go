// Package batcher implements the generate batcher (C5): priority-aware
// accumulation of generate requests per model partition, dispatched as a
// single batch_generate envelope under an adaptive target size (spec
// §4.5).
package batcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// tracer spans one batch_generate dispatch per partition flush. Each flush
// starts a fresh root span, since one dispatch carries entries from several
// callers; only the unbatched fall-through in Enqueue passes the caller's
// context on to the requester.
var tracer = otel.Tracer("github.com/inferfabric/fabric/pkg/batcher")

// Priority orders entries within a partition's dispatch.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityDefault
	PriorityUrgent
)

// Requester is the subset of the bridge the batcher dispatches through.
type Requester interface {
	BatchGenerate(ctx context.Context, params rpc.BatchGenerateParams, timeout time.Duration) (rpc.BatchGenerateResult, error)
}

// RegistrySignal lets the stream registry push backpressure into the
// batcher without an import cycle (registry -> batcher would be wrong
// direction; batcher depends on this narrow interface instead).
type RegistrySignal interface {
	CancelStream(streamID string)
}

// EnqueueOptions carries the per-call knobs from spec §4.5's enqueue.
type EnqueueOptions struct {
	Priority Priority
	Abort    <-chan struct{}
	Timeout  time.Duration
}

// entry is one queued generate call.
type entry struct {
	params     rpc.GenerateParams
	opts       EnqueueOptions
	enqueuedAt time.Time
	result     chan entryResult
}

type entryResult struct {
	res rpc.GenerateResult
	err error
}

// partitionStats is the rolling window the adaptive target-size governor
// reads (spec §4.5).
type partitionStats struct {
	dispatchDurations []time.Duration
	queueLatencies    []time.Duration
	activeStreamsSum  int
	samples           int
}

const statsWindow = 20

func (s *partitionStats) record(dispatchDur, queueLat time.Duration, activeStreams int) {
	s.dispatchDurations = append(s.dispatchDurations, dispatchDur)
	s.queueLatencies = append(s.queueLatencies, queueLat)
	if len(s.dispatchDurations) > statsWindow {
		s.dispatchDurations = s.dispatchDurations[1:]
		s.queueLatencies = s.queueLatencies[1:]
	}
	s.activeStreamsSum += activeStreams
	s.samples++
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// partition holds the three priority queues for one model/key.
type partition struct {
	key     string
	urgent  []*entry
	deflt   []*entry
	backgrd []*entry

	targetSize int
	stats      partitionStats

	backpressureUntil time.Time
	dispatchTimer     *time.Timer
}

func (p *partition) depth() int { return len(p.urgent) + len(p.deflt) + len(p.backgrd) }

// partitionKey composes the spec §3 partition identity: (model_id,
// draft_model|none, guidance_mode|none). Two requests for the same model
// but different draft model or guidance mode must never share a batch.
func partitionKey(modelID, draftModel, guidance string) string {
	return modelID + "\x00" + draftModel + "\x00" + guidance
}

// Config holds the knobs from spec §4.5.
type Config struct {
	Enabled             bool
	MaxBatchSize        int
	MinBatchSize        int
	InitialTargetSize   int
	HoldMsDefault       time.Duration
	HoldMsBackground    time.Duration
	TargetDispatchTime  time.Duration
	PauseOnBackpressure time.Duration
	AvailableStreamCap  func() int // governor hook; defaults to "unbounded"
	Now                 func() time.Time
}

// Batcher is the C5 generate batcher.
type Batcher struct {
	log       logr.Logger
	requester Requester
	cfg       Config
	metrics   *metrics.Registry

	mu         sync.Mutex
	partitions map[string]*partition
}

// New builds a Batcher. requester dispatches batch_generate calls;
// partitions are created lazily, keyed by partitionKey(model_id,
// draft_model, guidance).
func New(log logr.Logger, requester Requester, cfg Config, m *metrics.Registry) *Batcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AvailableStreamCap == nil {
		cfg.AvailableStreamCap = func() int { return 1 << 30 }
	}
	return &Batcher{
		log:        log,
		requester:  requester,
		cfg:        cfg,
		metrics:    m,
		partitions: make(map[string]*partition),
	}
}

// Enqueue submits one generate call. If batching is disabled or
// max_batch_size <= 1, it falls through to a direct single-entry
// dispatch (spec §4.5 step 1).
func (b *Batcher) Enqueue(ctx context.Context, params rpc.GenerateParams, opts EnqueueOptions) (rpc.GenerateResult, error) {
	if !b.cfg.Enabled || b.cfg.MaxBatchSize <= 1 {
		res, err := b.requester.BatchGenerate(ctx, rpc.BatchGenerateParams{Requests: []rpc.GenerateParams{params}}, opts.Timeout)
		if err != nil {
			return rpc.GenerateResult{}, err
		}
		return b.oneResult(res)
	}

	e := &entry{params: params, opts: opts, enqueuedAt: b.cfg.Now(), result: make(chan entryResult, 1)}

	key := partitionKey(params.ModelID, params.DraftModel, params.Guidance)
	b.mu.Lock()
	p, ok := b.partitions[key]
	if !ok {
		p = &partition{key: key, targetSize: b.cfg.InitialTargetSize}
		b.partitions[key] = p
	}
	b.enqueueLocked(p, e)
	b.mu.Unlock()

	if opts.Abort != nil {
		go b.watchAbort(p, e, opts.Abort)
	}

	select {
	case r := <-e.result:
		return r.res, r.err
	case <-ctx.Done():
		b.removeEntry(p, e)
		return rpc.GenerateResult{}, rpc.New(rpc.KindAborted, ctx.Err().Error())
	}
}

func (b *Batcher) oneResult(res rpc.BatchGenerateResult) (rpc.GenerateResult, error) {
	if len(res.Results) != 1 {
		return rpc.GenerateResult{}, rpc.New(rpc.KindBatchLengthMismatch, "batch response length mismatch")
	}
	item := res.Results[0]
	if !item.Success {
		return rpc.GenerateResult{}, item.Error
	}
	return *item.Result, nil
}

func (b *Batcher) watchAbort(p *partition, e *entry, abort <-chan struct{}) {
	<-abort
	b.removeEntry(p, e)
}

// removeEntry drops a not-yet-dispatched entry and rejects its caller
// with cancellation (spec §4.5 "Cancellation"). A no-op if the entry has
// already been pulled into a dispatch.
func (b *Batcher) removeEntry(p *partition, target *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range []*[]*entry{&p.urgent, &p.deflt, &p.backgrd} {
		for i, e := range *q {
			if e == target {
				*q = append((*q)[:i:i], (*q)[i+1:]...)
				select {
				case e.result <- entryResult{err: rpc.New(rpc.KindAborted, "cancelled before dispatch")}:
				default:
				}
				return
			}
		}
	}
}

// enqueueLocked inserts e into its priority queue and schedules a
// dispatch per spec §4.5 step 3. Caller holds b.mu.
func (b *Batcher) enqueueLocked(p *partition, e *entry) {
	switch e.opts.Priority {
	case PriorityUrgent:
		p.urgent = append(p.urgent, e)
	case PriorityBackground:
		p.backgrd = append(p.backgrd, e)
	default:
		p.deflt = append(p.deflt, e)
	}

	if len(p.urgent) > 0 {
		if p.dispatchTimer != nil {
			p.dispatchTimer.Stop()
		}
		p.dispatchTimer = time.AfterFunc(0, func() { b.dispatch(p) })
		return
	}

	if p.dispatchTimer != nil {
		return // a hold timer is already armed
	}
	hold := b.cfg.HoldMsDefault
	if len(p.deflt) == 0 {
		hold = b.cfg.HoldMsBackground
	}
	p.dispatchTimer = time.AfterFunc(hold, func() { b.dispatch(p) })
}

// dispatch selects up to min(target, max, depth, available capacity)
// entries strictly in priority order, FIFO within priority, and sends
// them as one batch_generate envelope (spec §4.5).
func (b *Batcher) dispatch(p *partition) {
	b.mu.Lock()
	if until := p.backpressureUntil; b.cfg.Now().Before(until) {
		p.dispatchTimer = time.AfterFunc(until.Sub(b.cfg.Now()), func() { b.dispatch(p) })
		b.mu.Unlock()
		return
	}
	p.dispatchTimer = nil

	n := p.targetSize
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	if depth := p.depth(); n > depth {
		n = depth
	}
	if avail := b.cfg.AvailableStreamCap(); n > avail {
		n = avail
	}
	if n <= 0 {
		b.mu.Unlock()
		return
	}

	selected := make([]*entry, 0, n)
	for _, q := range []*[]*entry{&p.urgent, &p.deflt, &p.backgrd} {
		for len(selected) < n && len(*q) > 0 {
			selected = append(selected, (*q)[0])
			*q = (*q)[1:]
		}
	}

	if p.depth() > 0 {
		// more remains: arm the next dispatch for whatever's left
		hold := b.cfg.HoldMsDefault
		if len(p.urgent) > 0 {
			hold = 0
		} else if len(p.deflt) == 0 {
			hold = b.cfg.HoldMsBackground
		}
		p.dispatchTimer = time.AfterFunc(hold, func() { b.dispatch(p) })
	}
	b.mu.Unlock()

	b.runDispatch(p, selected)
}

func (b *Batcher) runDispatch(p *partition, selected []*entry) {
	started := b.cfg.Now()
	maxQueueLatency := time.Duration(0)
	maxTimeout := time.Duration(0)
	reqs := make([]rpc.GenerateParams, len(selected))
	for i, e := range selected {
		reqs[i] = e.params
		if ql := started.Sub(e.enqueuedAt); ql > maxQueueLatency {
			maxQueueLatency = ql
		}
		if e.opts.Timeout > maxTimeout {
			maxTimeout = e.opts.Timeout
		}
	}

	if b.metrics != nil {
		b.metrics.BatchDispatches.Inc()
		b.metrics.BatchSizeHist.Observe(float64(len(selected)))
	}

	ctx, span := tracer.Start(context.Background(), "batcher.dispatch", trace.WithAttributes(
		attribute.String("partition_key", p.key),
		attribute.Int("batch_size", len(selected)),
	))
	res, err := b.requester.BatchGenerate(ctx, rpc.BatchGenerateParams{Requests: reqs}, maxTimeout)
	dispatchDur := b.cfg.Now().Sub(started)

	if err != nil {
		span.RecordError(err)
		span.End()
		// Transport-layer failure of the batch call fails all entries
		// uniformly (spec §4.5 "Failure semantics").
		for _, e := range selected {
			e.result <- entryResult{err: err}
		}
	} else if len(res.Results) != len(selected) {
		span.End()
		mismatch := rpc.New(rpc.KindBatchLengthMismatch, "batch response length mismatch")
		for _, e := range selected {
			e.result <- entryResult{err: mismatch}
		}
	} else {
		span.End()
		for i, e := range selected {
			item := res.Results[i]
			if !item.Success {
				e.result <- entryResult{err: item.Error}
				continue
			}
			e.result <- entryResult{res: *item.Result}
		}
	}

	b.mu.Lock()
	p.stats.record(dispatchDur, maxQueueLatency, b.cfg.AvailableStreamCap())
	b.adaptTargetLocked(p)
	b.mu.Unlock()
}

// adaptTargetLocked implements spec §4.5's adaptive target-size rule.
// Caller holds b.mu.
func (b *Batcher) adaptTargetLocked(p *partition) {
	p95Queue := percentile(p.stats.queueLatencies, 0.95)
	p50Dur := percentile(p.stats.dispatchDurations, 0.50)
	avgActive := 0.0
	if p.stats.samples > 0 {
		avgActive = float64(p.stats.activeStreamsSum) / float64(p.stats.samples)
	}

	switch {
	case p95Queue > 4*time.Millisecond || p50Dur > time.Duration(1.3*float64(b.cfg.TargetDispatchTime)):
		p.targetSize /= 2
		if p.targetSize < b.cfg.MinBatchSize {
			p.targetSize = b.cfg.MinBatchSize
		}
	case p95Queue < 1500*time.Microsecond && p50Dur < b.cfg.TargetDispatchTime && avgActive < 0.8*float64(b.cfg.AvailableStreamCap()):
		p.targetSize += 2
		if p.targetSize > b.cfg.MaxBatchSize {
			p.targetSize = b.cfg.MaxBatchSize
		}
	}
}

// SetBackpressure pauses dispatch for a partition until now +
// pause_on_backpressure_ms, per spec §4.5's backpressure coupling to the
// stream registry's signals.
func (b *Batcher) SetBackpressure(modelID, draftModel, guidance string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[partitionKey(modelID, draftModel, guidance)]
	if !ok {
		return
	}
	p.backpressureUntil = b.cfg.Now().Add(b.cfg.PauseOnBackpressure)
}
