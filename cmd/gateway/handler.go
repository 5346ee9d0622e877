package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/inferfabric/fabric/pkg/coalescing"
	"github.com/inferfabric/fabric/pkg/controller"
	"github.com/inferfabric/fabric/pkg/fingerprint"
	"github.com/inferfabric/fabric/pkg/qos"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// chatMessage is one OpenAI chat message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the POST /v1/chat/completions body.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chunkChoice  `json:"choices"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Content string `json:"content,omitempty"`
}

// samplePublisher is the subset of *bus.Bus the gateway uses to report
// observed metrics for the QoS monitor to evaluate (qos.sample).
type samplePublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// chatCompletionsHandler translates the OpenAI-compatible endpoint into
// Controller.HandleInferenceRequest, streaming SSE chunks terminated by
// "[DONE]" (SPEC_FULL "Client-facing API glue"). Concurrent requests for
// the same canonical fingerprint are coalesced onto one upstream call
// (C6) before the controller ever sees a duplicate.
type chatCompletionsHandler struct {
	log        logr.Logger
	ctrl       *controller.Controller
	reqConfig  controller.RequestConfig
	coalesce   *coalescing.Registry
	samplesBus samplePublisher
}

func promptFromMessages(msgs []chatMessage) string {
	out := ""
	for _, m := range msgs {
		out += m.Role + ": " + m.Content + "\n"
	}
	return out
}

func (h *chatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		http.Error(w, "model and messages are required", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	req := controller.InferenceRequest{
		RequestID:   requestID,
		ModelID:     body.Model,
		Prompt:      promptFromMessages(body.Messages),
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stream:      body.Stream,
	}

	start := time.Now()
	sink := h.coalescedChunks(req)

	if body.Stream {
		h.streamSSE(w, r.Context(), requestID, body.Model, sink, start)
		return
	}
	h.accumulate(w, r.Context(), body.Model, sink, start)
}

// streamSSE relays sink.out as server-sent events until the primary's
// stream completes or the client goes away; on client disconnect it
// signals sink.stop() so the coalescing registry's broadcast loop (spec
// §4.6) sees this subscriber's Send fail and drops it, letting an
// unsubscribed primary cancel rather than running to completion unread.
func (h *chatCompletionsHandler) streamSSE(w http.ResponseWriter, ctx context.Context, requestID, model string, sink *coalesceSink, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	firstToken := true
	failed := false
streamLoop:
	for {
		select {
		case <-ctx.Done():
			sink.stop()
			return
		case c, ok := <-sink.out:
			if !ok {
				break streamLoop
			}
			if c.Err != nil {
				failed = true
				h.log.Error(c.Err, "stream error", "request_id", requestID)
				break streamLoop
			}
			if c.Token != "" {
				if firstToken {
					h.recordSample(ctx, qos.MetricTTFT, model, time.Since(start).Seconds())
					firstToken = false
				}
				out := chatCompletionChunk{
					ID: requestID, Object: "chat.completion.chunk", Created: start.Unix(), Model: model,
					Choices: []chunkChoice{{Delta: delta{Content: c.Token}}},
				}
				payload, _ := json.Marshal(out)
				fmt.Fprintf(bw, "data: %s\n\n", payload)
				bw.Flush()
				flusher.Flush()
			}
			if c.Done {
				break streamLoop
			}
		}
	}
	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	flusher.Flush()
	h.recordSample(ctx, qos.MetricErrorRate, model, errRateValue(failed))
	h.recordSample(ctx, qos.MetricThroughput, model, 1)
}

func (h *chatCompletionsHandler) accumulate(w http.ResponseWriter, ctx context.Context, model string, sink *coalesceSink, start time.Time) {
	var text string
accumulateLoop:
	for {
		select {
		case <-ctx.Done():
			sink.stop()
			return
		case c, ok := <-sink.out:
			if !ok {
				break accumulateLoop
			}
			if c.Err != nil {
				h.recordSample(ctx, qos.MetricErrorRate, model, 1)
				h.writeError(w, c.Err)
				return
			}
			text += c.Token
			if c.Done {
				break accumulateLoop
			}
		}
	}
	h.recordSample(ctx, qos.MetricErrorRate, model, 0)
	h.recordSample(ctx, qos.MetricLatencyP95, model, time.Since(start).Seconds())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{
			{"index": 0, "message": chatMessage{Role: "assistant", Content: text}, "finish_reason": "stop"},
		},
	})
}

func (h *chatCompletionsHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := rpc.KindOf(err); ok && kind == rpc.KindWorkerUnavailable {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": err.Error()}})
}

func (h *chatCompletionsHandler) recordSample(ctx context.Context, metric qos.Metric, model string, value float64) {
	if h.samplesBus == nil {
		return
	}
	payload, err := qos.EncodeSample(qos.Sample{Metric: metric, Model: model, Value: value, At: time.Now()})
	if err != nil {
		return
	}
	_ = h.samplesBus.Publish(ctx, qos.SampleSubject, payload)
}

func errRateValue(failed bool) float64 {
	if failed {
		return 1
	}
	return 0
}

// coalescedChunks attaches req to the coalescing registry under its
// canonical fingerprint (spec §3/§4.6): a request sharing a fingerprint
// with one already in flight rides its primary's stream rather than
// dispatching a second call to the controller.
func (h *chatCompletionsHandler) coalescedChunks(req controller.InferenceRequest) *coalesceSink {
	fp := fingerprint.Of(fingerprint.Request{
		ModelID:     req.ModelID,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	sink := newCoalesceSink()
	h.coalesce.Coalesce(fp, sink, h.primaryFactory(req))
	return sink
}

// primaryFactory drives the controller call for whichever request first
// attaches for a fingerprint; its chunks are broadcast to every
// subscriber, including the one that created it.
func (h *chatCompletionsHandler) primaryFactory(req controller.InferenceRequest) coalescing.PrimaryFactory {
	return func() (coalescing.PrimarySource, context.CancelFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		out := make(chan coalescing.Chunk, 16)
		go func() {
			defer close(out)
			chunks, _, err := h.ctrl.HandleInferenceRequest(ctx, req, h.reqConfig)
			if err != nil {
				out <- coalescing.Chunk{Err: err, Final: true}
				return
			}
			for c := range chunks {
				out <- coalescing.Chunk{
					Data:  rpc.StreamChunkNotification{Token: c.Token, IsFinal: c.Done},
					Final: c.Done,
					Err:   rpcErrAsError(c.Err),
				}
				if c.Done || c.Err != nil {
					return
				}
			}
		}()
		return coalescing.PrimarySource(out), cancel
	}
}

func rpcErrAsError(e *rpc.Error) error {
	if e == nil {
		return nil
	}
	return e
}

// coalesceSink adapts one subscriber's coalescing.Chunk feed back into
// the controller.Chunk shape streamSSE/accumulate already consume. Send
// reports false once stop() has been called (the HTTP handler gave up
// reading, typically a client disconnect), which is this subscriber's
// signal to the coalescing registry that it has dropped out (spec §4.6).
type coalesceSink struct {
	out  chan controller.Chunk
	done chan struct{}
}

func newCoalesceSink() *coalesceSink {
	return &coalesceSink{out: make(chan controller.Chunk, 16), done: make(chan struct{})}
}

func (s *coalesceSink) Send(c coalescing.Chunk) bool {
	var out controller.Chunk
	if c.Err != nil {
		out = controller.Chunk{Done: true, Err: &rpc.Error{Message: c.Err.Error()}}
	} else {
		out = controller.Chunk{Token: c.Data.Token, Done: c.Final}
	}
	select {
	case s.out <- out:
		return true
	case <-s.done:
		return false
	}
}

func (s *coalesceSink) Close() {
	close(s.out)
}

// stop marks this subscriber as gone; the next Send (or one already
// blocked on a full buffer) reports false instead of delivering.
func (s *coalesceSink) stop() {
	close(s.done)
}
