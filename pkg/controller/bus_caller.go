package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/bus"
	"github.com/inferfabric/fabric/pkg/rpc"
	"github.com/inferfabric/fabric/pkg/worker"
)

// BusPublisher is the subset of *bus.Bus the controller's WorkerCaller
// implementation depends on, narrowed so tests can substitute a fake.
type BusPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, handler bus.Handler) (func(), error)
}

// BusCaller implements WorkerCaller over the message bus (C10): it
// publishes to worker.<id>.inference and demuxes worker.ResponseMessage
// frames off response.<request_id> into a Chunk stream (spec §4.7/§4.10).
type BusCaller struct {
	log logr.Logger
	bus BusPublisher
}

// NewBusCaller builds a BusCaller.
func NewBusCaller(log logr.Logger, b BusPublisher) *BusCaller {
	return &BusCaller{log: log, bus: b}
}

type inferenceEnvelope struct {
	RequestID string             `json:"request_id"`
	Priority  string             `json:"priority,omitempty"`
	Params    rpc.GenerateParams `json:"params"`
}

// relay guards a Chunk channel against sends racing its own close, since
// the bus delivery loop and the ctx-done teardown goroutine run
// concurrently.
type relay struct {
	mu     sync.Mutex
	out    chan Chunk
	closed bool
}

func (r *relay) send(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.out <- c
}

func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.out)
}

// Call publishes req to workerID and returns a Chunk channel fed by the
// worker's response.<request_id> stream. The channel is closed once a
// done or error frame arrives, or ctx is canceled.
func (c *BusCaller) Call(ctx context.Context, workerID string, req InferenceRequest) (<-chan Chunk, error) {
	r := &relay{out: make(chan Chunk, 16)}

	unsub, err := c.bus.Subscribe(ctx, bus.ResponseSubject(req.RequestID), func(_ string, payload []byte) {
		var msg worker.ResponseMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Error(err, "decode response message", "request_id", req.RequestID)
			return
		}
		switch msg.Kind {
		case "token":
			r.send(Chunk{Token: msg.Token})
		case "done":
			r.send(Chunk{Done: true})
			r.close()
		case "error":
			r.send(Chunk{Done: true, Err: &rpc.Error{Message: msg.ErrorMsg}})
			r.close()
		}
	})
	if err != nil {
		r.close()
		return nil, rpc.Wrap(err, rpc.KindRuntimeGeneric, "subscribe response stream")
	}

	envelope := inferenceEnvelope{
		RequestID: req.RequestID,
		Priority:  requestPriority(req),
		Params:    generateParams(req),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		unsub()
		r.close()
		return nil, rpc.Wrap(err, rpc.KindRuntimeGeneric, "encode inference message")
	}

	if err := c.bus.Publish(ctx, bus.WorkerInferenceSubject(workerID), payload); err != nil {
		unsub()
		r.close()
		return nil, rpc.Wrap(err, rpc.KindRuntimeGeneric, "publish inference message")
	}

	go func() {
		<-ctx.Done()
		unsub()
		r.close()
	}()

	return r.out, nil
}

func requestPriority(req InferenceRequest) string {
	if req.Stream {
		return "streaming_default"
	}
	return "buffered_completion"
}

func generateParams(req InferenceRequest) rpc.GenerateParams {
	return rpc.GenerateParams{
		ModelID:     req.ModelID,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Streaming:   req.Stream,
		StreamID:    fmt.Sprintf("%s-stream", req.RequestID),
	}
}
