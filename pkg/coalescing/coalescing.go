// Package coalescing implements the coalescing registry (C6): concurrent
// requests sharing a canonical fingerprint share one upstream call, with
// each subscriber receiving its own prefix of the primary's chunk stream
// (spec §4.6).
package coalescing

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// Chunk is one unit of the primary's output stream, forwarded verbatim
// to every subscriber.
type Chunk struct {
	Data    rpc.StreamChunkNotification
	Final   bool
	Err     error
}

// Sink receives chunks for one subscriber. Send returns false if the
// subscriber has stopped accepting chunks (its sink rejected), at which
// point the subscriber is marked closed without affecting siblings.
type Sink interface {
	Send(Chunk) bool
	Close()
}

// PrimarySource is what a primary_factory returns: a channel of chunks
// the broadcaster drains in order, closed when the primary is done.
type PrimarySource <-chan Chunk

// PrimaryFactory creates the upstream call when no entry exists yet for
// a fingerprint.
type PrimaryFactory func() (PrimarySource, context.CancelFunc)

// subscriber is one attached caller.
type subscriber struct {
	id     int64
	sink   Sink
	closed bool
}

// coalesceEntry tracks one in-flight fingerprint.
type coalesceEntry struct {
	fingerprint string
	subs        []*subscriber
	nextSubID   int64

	cancelPrimary context.CancelFunc
	timer         *time.Timer
}

// Config holds the knobs from spec §4.6.
type Config struct {
	MaxSubscribers int
	Timeout        time.Duration
	Now            func() time.Time
}

// Registry is the C6 coalescing registry.
type Registry struct {
	log     logr.Logger
	cfg     Config
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[string]*coalesceEntry

	total, primary, coalesced, timeouts, errorsCount, completed int64
}

// New builds a Registry.
func New(log logr.Logger, cfg Config, m *metrics.Registry) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{log: log, cfg: cfg, metrics: m, entries: make(map[string]*coalesceEntry)}
}

// Coalesce attaches sink to the in-flight request for fingerprint,
// creating one via primaryFactory if none exists (spec §4.6).
func (r *Registry) Coalesce(fingerprint string, sink Sink, primaryFactory PrimaryFactory) {
	r.mu.Lock()
	r.total++
	if r.metrics != nil {
		r.metrics.CoalescingTotal.Inc()
	}

	e, ok := r.entries[fingerprint]
	if ok && len(e.subs) < r.cfg.MaxSubscribers {
		e.nextSubID++
		e.subs = append(e.subs, &subscriber{id: e.nextSubID, sink: sink})
		r.coalesced++
		if r.metrics != nil {
			r.metrics.CoalescingHits.Inc()
		}
		r.mu.Unlock()
		return
	}

	e = &coalesceEntry{fingerprint: fingerprint}
	e.nextSubID = 1
	e.subs = append(e.subs, &subscriber{id: 1, sink: sink})
	r.entries[fingerprint] = e
	r.primary++
	r.mu.Unlock()

	source, cancel := primaryFactory()
	r.mu.Lock()
	e.cancelPrimary = cancel
	e.timer = time.AfterFunc(r.cfg.Timeout, func() { r.timeoutEntry(fingerprint) })
	r.mu.Unlock()

	go r.broadcast(fingerprint, e, source)
}

// broadcast drains the primary's chunks in order, fanning out to every
// non-closed subscriber (spec §4.6).
func (r *Registry) broadcast(fingerprint string, e *coalesceEntry, source PrimarySource) {
	for chunk := range source {
		r.mu.Lock()
		if e.timer != nil {
			e.timer.Reset(r.cfg.Timeout)
		}
		subs := append([]*subscriber(nil), e.subs...)
		r.mu.Unlock()

		if chunk.Err != nil {
			r.finishAll(fingerprint, e, Chunk{Err: chunk.Err})
			return
		}

		allClosed := true
		for _, s := range subs {
			if s.closed {
				continue
			}
			if !s.sink.Send(chunk) {
				r.markClosed(e, s)
			} else {
				allClosed = false
			}
		}

		if allClosed {
			// Every subscriber disconnected before completion: the entry
			// completes, implicitly cancelling the primary (spec §4.6).
			r.finish(fingerprint, e, true)
			return
		}

		if chunk.Final {
			r.finish(fingerprint, e, false)
			return
		}
	}
	r.finish(fingerprint, e, false)
}

func (r *Registry) markClosed(e *coalesceEntry, s *subscriber) {
	r.mu.Lock()
	s.closed = true
	r.mu.Unlock()
	s.sink.Close()
}

// finish closes out a completed entry, cancelling the primary if the
// disconnect path requires it.
func (r *Registry) finish(fingerprint string, e *coalesceEntry, cancelPrimary bool) {
	r.mu.Lock()
	if _, ok := r.entries[fingerprint]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, fingerprint)
	if e.timer != nil {
		e.timer.Stop()
	}
	r.completed++
	subs := append([]*subscriber(nil), e.subs...)
	r.mu.Unlock()

	if cancelPrimary && e.cancelPrimary != nil {
		e.cancelPrimary()
	}
	for _, s := range subs {
		if !s.closed {
			s.sink.Close()
		}
	}
}

// finishAll propagates a terminal error to every subscriber and closes
// the entry.
func (r *Registry) finishAll(fingerprint string, e *coalesceEntry, c Chunk) {
	r.mu.Lock()
	if _, ok := r.entries[fingerprint]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, fingerprint)
	if e.timer != nil {
		e.timer.Stop()
	}
	r.errorsCount++
	subs := append([]*subscriber(nil), e.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		if !s.closed {
			s.sink.Send(c)
			s.sink.Close()
		}
	}
}

// timeoutEntry fires a failure to every subscriber of a fingerprint whose
// entry has gone quiet past timeout_ms (spec §4.6).
func (r *Registry) timeoutEntry(fingerprint string) {
	r.mu.Lock()
	e, ok := r.entries[fingerprint]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.timeouts++
	cancel := e.cancelPrimary
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.finishAll(fingerprint, e, Chunk{Err: rpc.New(rpc.KindTimedOut, "coalesced request timed out")})
}

// Counters is the observability envelope spec §4.6 names.
type Counters struct {
	Total              int64
	Primary            int64
	Coalesced          int64
	ActiveSubscribers  int
	ActiveRequests     int
	CoalescingRatio    float64
	Timeouts           int64
	Errors             int64
	Completed          int64
}

// Stats returns the current counters.
func (r *Registry) Stats() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()

	activeSubs := 0
	for _, e := range r.entries {
		for _, s := range e.subs {
			if !s.closed {
				activeSubs++
			}
		}
	}

	ratio := 0.0
	if r.total > 0 {
		ratio = float64(r.coalesced) / float64(r.total)
	}

	return Counters{
		Total: r.total, Primary: r.primary, Coalesced: r.coalesced,
		ActiveSubscribers: activeSubs, ActiveRequests: len(r.entries),
		CoalescingRatio: ratio, Timeouts: r.timeouts, Errors: r.errorsCount, Completed: r.completed,
	}
}
