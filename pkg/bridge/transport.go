// Package bridge implements the framed transport (C1), resilience wrapper
// (C2), and ops multiplexer (C3) that together drive a co-hosted
// generation runtime over JSON-RPC 2.0, per spec §4.1–§4.3.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/rpc"
)

// NotificationHandler processes one notification. A panicking or erroring
// handler must not affect sibling subscribers (spec §4.1); Transport
// recovers around each invocation.
type NotificationHandler func(method string, params json.RawMessage)

// RequestOptions configures a single Request call.
type RequestOptions struct {
	Timeout time.Duration
	Abort   <-chan struct{}
}

// pendingEntry is one row of the bounded pending-request table (spec §3).
type pendingEntry struct {
	id       int64
	method   string
	resultCh chan pendingResult
	resolved atomic.Bool
}

type pendingResult struct {
	raw json.RawMessage
	err error
}

type writeJob struct {
	data []byte
	done chan error
}

// TransportOptions configures Transport construction.
type TransportOptions struct {
	MaxPending      int
	LineBufferBytes int
}

// Transport is the single-writer framed JSON-RPC transport to the
// generation runtime (C1). All pending-table mutations are serialized
// through the table mutex; all outbound writes are serialized through one
// drain goroutine reading writeQueue, preserving FIFO write ordering.
type Transport struct {
	log   logr.Logger
	codec Codec

	out io.Writer
	in  *bufio.Reader

	opts TransportOptions

	nextID int64

	mu      sync.Mutex
	pending map[int64]*pendingEntry
	closed  bool

	notifyMu sync.Mutex
	handlers map[string][]subscriber

	writeQueue chan writeJob
	poisonErr  atomic.Value // error

	doneReading chan struct{}
	doneWriting chan struct{}
	stopWrite   chan struct{}
}

type subscriber struct {
	id int64
	fn NotificationHandler
}

// NewTransport wires a Transport over the given request/response byte
// streams. The caller owns stream lifecycle; Close stops using them but
// does not close the underlying io.Writer/Reader.
func NewTransport(log logr.Logger, requestStream io.Writer, responseStream io.Reader, opts TransportOptions) *Transport {
	t := &Transport{
		log:         log,
		codec:       LineCodec{MaxLineBytes: opts.LineBufferBytes},
		out:         requestStream,
		in:          bufio.NewReaderSize(responseStream, opts.LineBufferBytes),
		opts:        opts,
		pending:     make(map[int64]*pendingEntry),
		handlers:    make(map[string][]subscriber),
		writeQueue:  make(chan writeJob, 256),
		doneReading: make(chan struct{}),
		doneWriting: make(chan struct{}),
		stopWrite:   make(chan struct{}),
	}
	go t.writeLoop()
	go t.readLoop()
	return t
}

// Request assigns a monotonically increasing id, registers a pending
// entry, writes the framed message, and resolves/rejects on correlated
// response, timeout, abort, or transport close (spec §4.1).
func (t *Transport) Request(ctx context.Context, method string, params interface{}, opts RequestOptions) (json.RawMessage, error) {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, rpcErrf(rpc.CodeInvalidParams, "marshal params: %v", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, newKind(kindTransportClosed, "transport closed")
	}
	if t.opts.MaxPending > 0 && len(t.pending) >= t.opts.MaxPending {
		t.mu.Unlock()
		return nil, newKind(kindOverload, "too many pending requests")
	}
	id := t.nextID + 1
	t.nextID = id
	entry := &pendingEntry{id: id, method: method, resultCh: make(chan pendingResult, 1)}
	t.pending[id] = entry
	t.mu.Unlock()

	req := rpc.Request{JSONRPC: rpc.Version, ID: &id, Method: method, Params: paramsRaw}
	data, err := json.Marshal(req)
	if err != nil {
		t.removePending(id)
		return nil, rpcErrf(rpc.CodeInvalidRequest, "marshal request: %v", err)
	}

	if err := t.enqueueWrite(data); err != nil {
		t.removePending(id)
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-entry.resultCh:
		return res.raw, res.err
	case <-timeoutCh:
		t.removePending(id)
		return nil, newKind(kindTimedOut, "request timed out")
	case <-opts.Abort:
		t.removePending(id)
		return nil, newKind(kindAborted, "request aborted")
	case <-ctx.Done():
		t.removePending(id)
		return nil, newKind(kindAborted, ctx.Err().Error())
	case <-t.doneReading:
		return nil, newKind(kindTransportClosed, "transport closed")
	}
}

// Notify writes a write-only message with no id; there is nothing to
// correlate so it never blocks on a response.
func (t *Transport) Notify(method string, params interface{}) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return rpcErrf(rpc.CodeInvalidParams, "marshal params: %v", err)
	}
	req := rpc.Request{JSONRPC: rpc.Version, Method: method, Params: paramsRaw}
	data, err := json.Marshal(req)
	if err != nil {
		return rpcErrf(rpc.CodeInvalidRequest, "marshal notify: %v", err)
	}
	return t.enqueueWrite(data)
}

// OnNotification registers a multi-subscriber handler for method,
// invoked in registration order (spec §5 ordering guarantee 4). The
// returned func unsubscribes.
func (t *Transport) OnNotification(method string, handler NotificationHandler) func() {
	t.notifyMu.Lock()
	id := int64(1)
	for _, s := range t.handlers[method] {
		if s.id >= id {
			id = s.id + 1
		}
	}
	sub := subscriber{id: id, fn: handler}
	t.handlers[method] = append(t.handlers[method], sub)
	t.notifyMu.Unlock()

	return func() {
		t.notifyMu.Lock()
		defer t.notifyMu.Unlock()
		subs := t.handlers[method]
		for i, s := range subs {
			if s.id == id {
				t.handlers[method] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close stops the write chain (writes still queued are rejected with
// "transport closed" rather than written), rejects all pending with
// "transport closed", and releases all notification subscribers.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pendingCopy := make([]*pendingEntry, 0, len(t.pending))
	for _, e := range t.pending {
		pendingCopy = append(pendingCopy, e)
	}
	t.pending = make(map[int64]*pendingEntry)
	t.mu.Unlock()

	closedErr := newKind(kindTransportClosed, "transport closed")
	for _, e := range pendingCopy {
		t.resolveOnce(e, pendingResult{err: closedErr})
	}

	close(t.doneReading)
	close(t.stopWrite)

	t.notifyMu.Lock()
	t.handlers = make(map[string][]subscriber)
	t.notifyMu.Unlock()

	return nil
}

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) resolveOnce(e *pendingEntry, res pendingResult) {
	if e.resolved.CompareAndSwap(false, true) {
		e.resultCh <- res
	}
}

// enqueueWrite appends to the FIFO write queue. A poisoned chain rejects
// immediately and deterministically, without ever touching the
// underlying writer again (spec §4.1, testable property 7).
func (t *Transport) enqueueWrite(data []byte) error {
	if p := t.poisonErr.Load(); p != nil {
		return p.(error)
	}
	done := make(chan error, 1)
	job := writeJob{data: t.codec.Encode(data), done: done}
	select {
	case t.writeQueue <- job:
	case <-t.stopWrite:
		return newKind(kindTransportClosed, "transport closed")
	}
	select {
	case err := <-done:
		return err
	case <-t.stopWrite:
		return newKind(kindTransportClosed, "transport closed")
	}
}

// writeLoop is the single serialization point for outbound bytes (spec
// §4.1/§5). Once a write fails, the chain is poisoned: every subsequent
// queued write rejects with the same error without invoking Write again,
// preserving FIFO rejection order. writeQueue is never closed (only
// stopWrite is), so enqueueWrite's send can never race a closed channel.
func (t *Transport) writeLoop() {
	defer close(t.doneWriting)
	for {
		select {
		case job := <-t.writeQueue:
			if p := t.poisonErr.Load(); p != nil {
				job.done <- p.(error)
				continue
			}
			if _, err := t.out.Write(job.data); err != nil {
				wrapped := newKind(kindWritePoisoned, err.Error())
				t.poisonErr.Store(wrapped)
				job.done <- wrapped
				continue
			}
			job.done <- nil
		case <-t.stopWrite:
			// Drain whatever is already queued so no writer blocks
			// forever, rejecting each with the closed error.
			closedErr := newKind(kindTransportClosed, "transport closed")
			for {
				select {
				case job := <-t.writeQueue:
					job.done <- closedErr
				default:
					return
				}
			}
		}
	}
}

// readLoop parses inbound frames and dispatches responses/notifications.
func (t *Transport) readLoop() {
	for {
		frame, err := t.codec.NextFrame(t.in)
		if len(frame) > 0 {
			t.dispatchFrame(frame)
		}
		if err != nil {
			if _, ok := err.(*FramingOverflowError); ok {
				t.log.Error(err, "framing overflow, closing transport")
				t.Close()
				return
			}
			if err == io.EOF {
				t.Close()
				return
			}
			t.log.Error(err, "read error, closing transport")
			t.Close()
			return
		}
	}
}

func (t *Transport) dispatchFrame(frame []byte) {
	var env struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *rpc.Error      `json:"error"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.log.Error(err, "malformed frame")
		return
	}

	if env.Method != "" {
		t.notifyMu.Lock()
		subs := append([]subscriber(nil), t.handlers[env.Method]...)
		t.notifyMu.Unlock()
		for _, s := range subs {
			t.invokeHandlerSafely(s.fn, env.Method, env.Params)
		}
		return
	}

	if env.ID == nil {
		return
	}
	t.mu.Lock()
	entry, ok := t.pending[*env.ID]
	if ok {
		delete(t.pending, *env.ID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if env.Error != nil {
		t.resolveOnce(entry, pendingResult{err: env.Error})
		return
	}
	t.resolveOnce(entry, pendingResult{raw: env.Result})
}

func (t *Transport) invokeHandlerSafely(fn NotificationHandler, method string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error(nil, "notification handler panicked", "method", method, "panic", r)
		}
	}()
	fn(method, params)
}
