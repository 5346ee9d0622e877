package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/coalescing"
	"github.com/inferfabric/fabric/pkg/controller"
	"github.com/inferfabric/fabric/pkg/logging"
)

// countingCaller counts how many times the controller actually dispatched
// to a worker, so tests can assert coalescing suppressed the duplicate.
type countingCaller struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (c *countingCaller) Call(_ context.Context, _ string, _ controller.InferenceRequest) (<-chan controller.Chunk, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	out := make(chan controller.Chunk, 4)
	go func() {
		defer close(out)
		time.Sleep(c.delay)
		out <- controller.Chunk{Token: "hi"}
		out <- controller.Chunk{Done: true}
	}()
	return out, nil
}

func (c *countingCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestHandler(caller *countingCaller) *chatCompletionsHandler {
	ctrl := controller.New(logging.Noop(), caller, controller.Config{
		Strategy: controller.StrategyRoundRobin, CircuitFailureThreshold: 5,
		CircuitSuccessThreshold: 2, CircuitTimeout: time.Second,
	}, nil)
	ctrl.UpdateWorker(controller.WorkerInfo{
		ID: "w1", Health: controller.HealthHealthy, Capacity: 10,
		AvailableModels: map[string]bool{"demo-model": true},
	})

	coalesce := coalescing.New(logging.Noop(), coalescing.Config{MaxSubscribers: 10, Timeout: time.Second}, nil)

	return &chatCompletionsHandler{
		log:       logging.Noop(),
		ctrl:      ctrl,
		reqConfig: controller.RequestConfig{Timeout: time.Second},
		coalesce:  coalesce,
	}
}

func postChatCompletion(h *chatCompletionsHandler) *httptest.ResponseRecorder {
	body, _ := json.Marshal(chatCompletionRequest{
		Model:    "demo-model",
		Messages: []chatMessage{{Role: "user", Content: "hello"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var _ = Describe("chatCompletionsHandler", func() {
	It("returns the accumulated completion for a non-streaming request", func() {
		h := newTestHandler(&countingCaller{})
		rec := postChatCompletion(h)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		choices := resp["choices"].([]any)
		msg := choices[0].(map[string]any)["message"].(map[string]any)
		Expect(msg["content"]).To(Equal("hi"))
	})

	It("coalesces two concurrent identical requests onto one controller call", func() {
		caller := &countingCaller{delay: 20 * time.Millisecond}
		h := newTestHandler(caller)

		var wg sync.WaitGroup
		recs := make([]*httptest.ResponseRecorder, 2)
		for i := range recs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				recs[i] = postChatCompletion(h)
			}(i)
		}
		wg.Wait()

		Expect(recs[0].Code).To(Equal(http.StatusOK))
		Expect(recs[1].Code).To(Equal(http.StatusOK))
		Expect(caller.count()).To(Equal(1))
	})
})
