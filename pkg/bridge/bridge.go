package bridge

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferfabric/fabric/pkg/rpc"
)

// tracer spans the bridge's dispatch boundary into the runtime: one span
// per batch_generate round trip, so the runtime's own latency is visible
// next to the batcher/controller spans that led to it.
var tracer = otel.Tracer("github.com/inferfabric/fabric/pkg/bridge")

// Config bundles the C1/C2/C3 knobs needed to construct a Bridge.
type Config struct {
	MaxPending      int
	LineBufferBytes int

	Circuit CircuitConfig

	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration
	RetryMaxAttempts  int

	Multiplexer MultiplexerConfig
}

// Bridge is the façade over the framed transport, resilience wrapper, and
// ops multiplexer, exposing the generation-runtime contract from spec §6.
type Bridge struct {
	log        logr.Logger
	transport  *Transport
	resilient  *ResilientRequester
	mux        *Multiplexer
}

// New wires C1–C3 over the given request/response byte streams.
func New(log logr.Logger, requestStream io.Writer, responseStream io.Reader, cfg Config) *Bridge {
	transport := NewTransport(log, requestStream, responseStream, TransportOptions{
		MaxPending:      cfg.MaxPending,
		LineBufferBytes: cfg.LineBufferBytes,
	})
	resilient := NewResilientRequester(log, transport, cfg.Circuit, cfg.RetryInitialDelay, cfg.RetryMultiplier, cfg.RetryMaxDelay, cfg.RetryMaxAttempts)
	mux := NewMultiplexer(log, resilient, cfg.Multiplexer, []string{rpc.MethodTokenize, rpc.MethodCheckDraft})

	return &Bridge{log: log, transport: transport, resilient: resilient, mux: mux}
}

// Close tears down the underlying transport.
func (b *Bridge) Close() error { return b.transport.Close() }

// RuntimeInfo calls runtime_info (idempotent, retriable).
func (b *Bridge) RuntimeInfo(ctx context.Context) (json.RawMessage, error) {
	return b.resilient.Request(ctx, rpc.MethodRuntimeInfo, struct{}{}, RequestOptions{})
}

// LoadModel calls load_model.
func (b *Bridge) LoadModel(ctx context.Context, params interface{}) (json.RawMessage, error) {
	return b.resilient.Request(ctx, rpc.MethodLoadModel, params, RequestOptions{})
}

// UnloadModel calls unload_model.
func (b *Bridge) UnloadModel(ctx context.Context, params interface{}) (json.RawMessage, error) {
	return b.resilient.Request(ctx, rpc.MethodUnloadModel, params, RequestOptions{})
}

// Generate calls generate. It is non-idempotent and is never auto-retried
// (spec §4.2); the request still flows through the circuit breaker so a
// runtime outage fails fast.
func (b *Bridge) Generate(ctx context.Context, params rpc.GenerateParams, opts RequestOptions) (rpc.GenerateResult, error) {
	raw, err := b.resilient.Request(ctx, rpc.MethodGenerate, params, opts)
	if err != nil {
		return rpc.GenerateResult{}, err
	}
	var res rpc.GenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return rpc.GenerateResult{}, rpc.Wrap(err, rpc.KindRPCInternal, "unmarshal generate result")
	}
	return res, nil
}

// BatchGenerate calls batch_generate directly, bypassing the multiplexer
// (the multiplexer only collapses tokenize/check_draft; batching of
// generate calls is the generate batcher's (C5) concern, one layer up).
func (b *Bridge) BatchGenerate(ctx context.Context, params rpc.BatchGenerateParams, timeout time.Duration) (rpc.BatchGenerateResult, error) {
	ctx, span := tracer.Start(ctx, "bridge.BatchGenerate", trace.WithAttributes(
		attribute.Int("batch_size", len(params.Requests)),
	))
	defer span.End()

	raw, err := b.resilient.Request(ctx, rpc.MethodBatchGenerate, params, RequestOptions{Timeout: timeout})
	if err != nil {
		span.RecordError(err)
		return rpc.BatchGenerateResult{}, err
	}
	var res rpc.BatchGenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		span.RecordError(err)
		return rpc.BatchGenerateResult{}, rpc.Wrap(err, rpc.KindRPCInternal, "unmarshal batch_generate result")
	}
	return res, nil
}

// Tokenize calls tokenize, transparently multiplexed with concurrent
// callers (spec §4.3).
func (b *Bridge) Tokenize(ctx context.Context, params rpc.TokenizeParams, opts RequestOptions) (rpc.TokenizeResult, error) {
	raw, err := b.mux.Call(ctx, rpc.MethodTokenize, params, opts)
	if err != nil {
		return rpc.TokenizeResult{}, err
	}
	var res rpc.TokenizeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return rpc.TokenizeResult{}, rpc.Wrap(err, rpc.KindRPCInternal, "unmarshal tokenize result")
	}
	return res, nil
}

// CheckDraft calls check_draft, transparently multiplexed.
func (b *Bridge) CheckDraft(ctx context.Context, params rpc.CheckDraftParams, opts RequestOptions) (rpc.CheckDraftResult, error) {
	raw, err := b.mux.Call(ctx, rpc.MethodCheckDraft, params, opts)
	if err != nil {
		return rpc.CheckDraftResult{}, err
	}
	var res rpc.CheckDraftResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return rpc.CheckDraftResult{}, rpc.Wrap(err, rpc.KindRPCInternal, "unmarshal check_draft result")
	}
	return res, nil
}

// Shutdown calls shutdown.
func (b *Bridge) Shutdown(ctx context.Context) error {
	_, err := b.resilient.Request(ctx, rpc.MethodShutdown, struct{}{}, RequestOptions{})
	return err
}

// OnStreamChunk subscribes to stream.chunk notifications.
func (b *Bridge) OnStreamChunk(handler func(rpc.StreamChunkNotification)) func() {
	return b.transport.OnNotification(rpc.NotifyStreamChunk, decodeHandler(handler))
}

// OnStreamStats subscribes to stream.stats notifications.
func (b *Bridge) OnStreamStats(handler func(rpc.StreamStatsNotification)) func() {
	return b.transport.OnNotification(rpc.NotifyStreamStats, decodeHandler(handler))
}

// OnStreamEvent subscribes to stream.event notifications.
func (b *Bridge) OnStreamEvent(handler func(rpc.StreamEventNotification)) func() {
	return b.transport.OnNotification(rpc.NotifyStreamEvent, decodeHandler(handler))
}

// MultiplexerStats exposes solo/batched counters for observability.
func (b *Bridge) MultiplexerStats() (solo, batched int64) { return b.mux.Stats() }

func decodeHandler[T any](handler func(T)) NotificationHandler {
	return func(_ string, params json.RawMessage) {
		var v T
		if err := json.Unmarshal(params, &v); err != nil {
			return
		}
		handler(v)
	}
}
