// Package worker implements the worker node (C8): it registers with the
// bus, heartbeats, admits inference requests through local resource/queue
// gates, tracks each admitted request's token stream in a stream registry
// (C4), and drains admitted requests through the generate batcher (C5)
// into the bridge, publishing per-request token streams back over the bus
// (spec §4.8, which names the same min/max/timeout micro-batcher §4.5
// defines as its own component).
package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferfabric/fabric/pkg/batcher"
	"github.com/inferfabric/fabric/pkg/bus"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
	"github.com/inferfabric/fabric/pkg/streaming"
)

// tracer spans the worker's own dispatch boundary: one root span per
// admitted request from the moment it's handed to the batcher to the moment
// the batcher call returns. No trace context arrives over the bus, so it is
// not linked to the controller's request span; the bridge span nests under
// it only when the batcher falls through to an unbatched dispatch.
var tracer = otel.Tracer("github.com/inferfabric/fabric/pkg/worker")

// Defaults applied when a worker's cfg.Streams is left at its zero value,
// so a worker that never sets stream-registry knobs still admits streams
// rather than rejecting every request with an overload error.
const (
	defaultMaxStreams            = 10000
	defaultBackpressureThreshold = 1 << 20
	defaultSlowConsumerWindow    = time.Hour
	defaultPrewarmConcurrency    = 4
)

// Generator is the subset of *bridge.Bridge a worker drives. Narrowed to
// an interface so tests can stub the runtime round trip.
type Generator interface {
	BatchGenerate(ctx context.Context, params rpc.BatchGenerateParams, timeout time.Duration) (rpc.BatchGenerateResult, error)
	OnStreamChunk(handler func(rpc.StreamChunkNotification)) func()
	OnStreamEvent(handler func(rpc.StreamEventNotification)) func()
	LoadModel(ctx context.Context, params interface{}) (json.RawMessage, error)
}

// Publisher is the subset of *bus.Bus a worker drives.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, handler bus.Handler) (func(), error)
}

// Worker is the C8 state machine and request-admission path.
type Worker struct {
	log       logr.Logger
	cfg       Config
	bus       Publisher
	gen       Generator
	resources ResourceManager
	batch     *batcher.Batcher
	streams   *streaming.Registry

	mu           sync.Mutex
	state        State
	pending      int
	totalHandled int64
	latencySum   time.Duration
	latencyCount int64
	loadedModels map[string]bool

	stopCh     chan struct{}
	hardStopCh chan struct{}
	drainWG    sync.WaitGroup
	unsubs     []func()
}

// New builds a Worker in the idle state. Admitted requests drain through
// a batcher.Batcher (C5) scoped to this worker's own generator; cfg.Batch
// left at its zero value falls through to one dispatch per request (spec
// §4.5 step 1), matching a worker that never batches. Each admitted
// request is also registered with a stream.Registry (C4) scoped to this
// worker, which correlates chunk/event notifications back to the
// originating request and tracks per-stream backpressure.
func New(log logr.Logger, b Publisher, gen Generator, rm ResourceManager, cfg Config, m *metrics.Registry) *Worker {
	streamCfg := cfg.Streams
	if streamCfg.HardMaxStreams <= 0 {
		streamCfg.HardMaxStreams = defaultMaxStreams
	}
	if streamCfg.InitialLimit <= 0 {
		streamCfg.InitialLimit = streamCfg.HardMaxStreams
	}
	if streamCfg.BackpressureThreshold <= 0 {
		streamCfg.BackpressureThreshold = defaultBackpressureThreshold
	}
	if streamCfg.SlowConsumerWindow <= 0 {
		streamCfg.SlowConsumerWindow = defaultSlowConsumerWindow
	}

	return &Worker{
		log:          log,
		cfg:          cfg,
		bus:          b,
		gen:          gen,
		resources:    rm,
		batch:        batcher.New(log, gen, cfg.Batch, m),
		streams:      streaming.New(log, streamCfg, m),
		state:        StateIdle,
		loadedModels: make(map[string]bool),
		stopCh:       make(chan struct{}),
		hardStopCh:   make(chan struct{}),
	}
}

// State returns the worker's current lifecycle stage.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Start runs the C8 startup sequence: connect, optional prewarm,
// subscribe, heartbeat loop, drain loop. It returns once the worker is
// registered (or prewarm has been kicked off in the background).
func (w *Worker) Start(ctx context.Context) error {
	w.setState(StateConnecting)

	unsub, err := w.bus.Subscribe(ctx, bus.WorkerInferenceSubject(w.cfg.WorkerID), w.handleInferenceMessage)
	if err != nil {
		return rpc.Wrap(err, rpc.KindRuntimeGeneric, "subscribe inference subject")
	}
	w.unsubs = append(w.unsubs, unsub)

	if w.cfg.PrewarmBlocking {
		w.prewarm(ctx)
	} else if len(w.cfg.PrewarmModels) > 0 {
		w.drainWG.Add(1)
		go func() {
			defer w.drainWG.Done()
			w.prewarm(ctx)
		}()
	}

	if w.cfg.RegisterWhen == "ready" && !w.cfg.PrewarmBlocking && len(w.cfg.PrewarmModels) > 0 {
		// registration deferred until background prewarm completes; the
		// background goroutine above calls register itself in that case.
	} else {
		w.setState(StateRegistering)
		if err := w.register(ctx); err != nil {
			return err
		}
		w.setState(StateReady)
	}

	unsubChunk := w.gen.OnStreamChunk(w.handleChunk)
	unsubEvent := w.gen.OnStreamEvent(w.handleEvent)
	w.unsubs = append(w.unsubs, unsubChunk, unsubEvent)

	w.drainWG.Add(1)
	go w.heartbeatLoop(ctx)

	return nil
}

// prewarm loads every configured model before the worker advertises
// readiness, bounding concurrency so it doesn't flood the generator with
// simultaneous load_model calls.
func (w *Worker) prewarm(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultPrewarmConcurrency)
	for _, model := range w.cfg.PrewarmModels {
		model := model
		g.Go(func() error {
			select {
			case <-w.stopCh:
				return nil
			default:
			}
			if _, err := w.gen.LoadModel(gctx, map[string]string{"model_id": model}); err != nil {
				w.log.Error(err, "prewarm model load failed", "model", model)
				return nil
			}
			w.mu.Lock()
			w.loadedModels[model] = true
			w.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if w.cfg.RegisterWhen == "ready" && !w.cfg.PrewarmBlocking {
		w.setState(StateRegistering)
		if err := w.register(ctx); err != nil {
			w.log.Error(err, "deferred registration failed")
			return
		}
		w.setState(StateReady)
	}
}

func (w *Worker) register(ctx context.Context) error {
	w.mu.Lock()
	models := make([]string, 0, len(w.loadedModels))
	for m := range w.loadedModels {
		models = append(models, m)
	}
	w.mu.Unlock()
	sort.Strings(models)

	payload := RegisterPayload{
		WorkerID: w.cfg.WorkerID,
		Hostname: w.cfg.Hostname,
		IP:       w.cfg.IP,
		Port:     w.cfg.Port,
		Skills:   Skills{AvailableModels: models},
		Status:   "online",
		Timestamp: time.Now().Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return rpc.Wrap(err, rpc.KindRPCInternal, "marshal worker.register")
	}
	return w.bus.Publish(ctx, bus.SubjectWorkerRegister, raw)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.drainWG.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.publishHeartbeat(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	w.mu.Lock()
	active := w.pending
	total := w.totalHandled
	var avgMs float64
	if w.latencyCount > 0 {
		avgMs = float64(w.latencySum.Milliseconds()) / float64(w.latencyCount)
	}
	models := make([]string, 0, len(w.loadedModels))
	for m := range w.loadedModels {
		models = append(models, m)
	}
	w.mu.Unlock()
	sort.Strings(models)

	var cpu, mem, gpu float64
	if w.resources != nil {
		cpu, mem, gpu = w.resources.Snapshot()
	}

	payload := HeartbeatPayload{
		WorkerID:       w.cfg.WorkerID,
		CPU:            cpu,
		Memory:         mem,
		GPU:            gpu,
		ActiveRequests: active,
		TotalHandled:   total,
		AvgLatencyMs:   avgMs,
		LoadedModels:   models,
		Timestamp:      time.Now().Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		w.log.Error(err, "marshal heartbeat")
		return
	}
	if err := w.bus.Publish(ctx, bus.SubjectWorkerHeartbeat, raw); err != nil {
		w.log.Error(err, "publish heartbeat")
	}
}

// handleInferenceMessage is the bus.Handler bound to worker.<id>.inference.
// It runs the resource and queue gates (spec §4.8) and, on admission,
// hands the request to the generate batcher (C5) for dispatch.
func (w *Worker) handleInferenceMessage(_ string, payload []byte) {
	var envelope struct {
		RequestID string             `json:"request_id"`
		Priority  string             `json:"priority,omitempty"`
		Params    rpc.GenerateParams `json:"params"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		w.log.Error(err, "decode inference message")
		return
	}
	req := envelope.Params

	if w.resources != nil && !w.resources.Admit() {
		w.publishError(context.Background(), envelope.RequestID, rpc.New(rpc.KindResourceLimitExceeded, "resource limit exceeded"))
		return
	}

	priority := derivePriority(envelope.Priority)

	w.mu.Lock()
	if w.pending >= w.cfg.QueueCapacity {
		w.mu.Unlock()
		w.publishError(context.Background(), envelope.RequestID, rpc.New(rpc.KindQueueFull, "worker queue full"))
		return
	}
	w.pending++
	w.mu.Unlock()

	requestID := envelope.RequestID
	if _, err := w.streams.Register(req.StreamID, streaming.Options{Abort: w.hardStopCh}, streaming.Subscription{
		OnChunk: func(c rpc.StreamChunkNotification) { w.relayChunk(requestID, c) },
		OnEvent: func(e rpc.StreamEventNotification) { w.relayEvent(requestID, e) },
	}); err != nil {
		w.mu.Lock()
		w.pending--
		w.mu.Unlock()
		w.publishError(context.Background(), requestID, err)
		return
	}

	w.drainWG.Add(1)
	go w.dispatchOne(requestID, req, priority)
}

func derivePriority(explicit string) Priority {
	switch explicit {
	case "explicit":
		return PriorityExplicit
	case "buffered_completion":
		return PriorityBufferedCompletion
	default:
		return PriorityStreamingDefault
	}
}

func batcherPriority(p Priority) batcher.Priority {
	switch p {
	case PriorityExplicit:
		return batcher.PriorityUrgent
	case PriorityBufferedCompletion:
		return batcher.PriorityDefault
	default:
		return batcher.PriorityBackground
	}
}

// dispatchOne hands one admitted request to the batcher, which accumulates
// it with same-model siblings and dispatches under the adaptive target
// size (spec §4.5); a rejection (batch-level failure or abort at stop)
// publishes a single error since batcher failures are per-entry already.
// Successful dispatch publishes nothing here: tokens arrive out of band
// through handleChunk/handleEvent, correlated to this request by the
// stream registry entry Register attached above.
func (w *Worker) dispatchOne(requestID string, params rpc.GenerateParams, priority Priority) {
	defer w.drainWG.Done()
	start := time.Now()

	ctx, span := tracer.Start(context.Background(), "worker.dispatchOne", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("model_id", params.ModelID),
	))

	_, err := w.batch.Enqueue(ctx, params, batcher.EnqueueOptions{
		Priority: batcherPriority(priority),
		Abort:    w.stopCh,
		Timeout:  w.cfg.MicroBatchTimeout,
	})

	if err != nil {
		span.RecordError(err)
	}
	span.End()

	w.mu.Lock()
	w.pending--
	w.mu.Unlock()

	if err != nil {
		w.publishError(context.Background(), requestID, err)
	}
	w.recordCompletion(1, time.Since(start))
}

func (w *Worker) recordCompletion(n int, d time.Duration) {
	w.mu.Lock()
	w.totalHandled += int64(n)
	w.latencySum += d
	w.latencyCount++
	w.mu.Unlock()
}

// handleChunk and handleEvent are the Generator's own notification
// callbacks (bound once in Start); they only feed the stream registry,
// which dispatches to the per-request callbacks registered in
// handleInferenceMessage (spec §4.4's single-writer rule for C4).
func (w *Worker) handleChunk(chunk rpc.StreamChunkNotification) {
	w.streams.HandleChunk(chunk)
}

func (w *Worker) handleEvent(ev rpc.StreamEventNotification) {
	w.streams.HandleEvent(ev)
}

// relayChunk is the per-stream OnChunk callback: it republishes the token
// and, since a generator's final chunk may arrive with no separate
// terminal event, settles the stream itself so the registry's lifecycle
// bookkeeping (and the matching "done" relay) still runs.
func (w *Worker) relayChunk(requestID string, chunk rpc.StreamChunkNotification) {
	w.publish(context.Background(), requestID, ResponseMessage{Kind: "token", Token: chunk.Token})
	if chunk.IsFinal {
		w.streams.HandleEvent(rpc.StreamEventNotification{StreamID: chunk.StreamID, Kind: "completed", IsFinal: true})
	}
}

// relayEvent is the per-stream OnEvent callback, invoked once the
// registry settles a stream (from handleEvent or the synthesized
// completion in relayChunk).
func (w *Worker) relayEvent(requestID string, ev rpc.StreamEventNotification) {
	switch ev.Kind {
	case "error":
		msg := "generation error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		w.publishError(context.Background(), requestID, rpc.New(rpc.KindGeneration, msg))
	default:
		w.publishDone(requestID)
	}
}

func (w *Worker) publishDone(requestID string) {
	w.publish(context.Background(), requestID, ResponseMessage{Kind: "done"})
}

func (w *Worker) publishError(ctx context.Context, requestID string, err error) {
	kind, _ := rpc.KindOf(err)
	w.publish(ctx, requestID, ResponseMessage{Kind: "error", ErrorMsg: err.Error(), Code: string(kind)})
}

func (w *Worker) publish(ctx context.Context, requestID string, msg ResponseMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		w.log.Error(err, "marshal response message")
		return
	}
	if err := w.bus.Publish(ctx, bus.ResponseSubject(requestID), raw); err != nil {
		w.log.Error(err, "publish response message", "request_id", requestID)
	}
}

// Stop runs the C8 shutdown sequence: deregister, abort anything not yet
// dispatched (closing stopCh reaches the batcher's pending entries through
// their Abort channel, and cuts off the prewarm/heartbeat loops), then wait
// up to DrainGracePeriod for in-flight dispatches to finish on their own.
// Active streams are left alone during that window; only once the grace
// period elapses (or ctx is cancelled first) do we close hardStopCh and
// force-cancel whatever is still registered, then disconnect.
func (w *Worker) Stop(ctx context.Context) error {
	w.setState(StateDraining)

	payload, _ := json.Marshal(DeregisterPayload{WorkerID: w.cfg.WorkerID, Timestamp: time.Now().Unix()})
	_ = w.bus.Publish(ctx, bus.SubjectWorkerDeregister, payload)

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.drainWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		close(w.hardStopCh)
	case <-time.After(w.cfg.DrainGracePeriod):
		close(w.hardStopCh)
	}

	for _, unsub := range w.unsubs {
		if unsub != nil {
			unsub()
		}
	}

	w.setState(StateStopped)
	return nil
}
