package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/bus"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/rpc"
	"github.com/inferfabric/fabric/pkg/worker"
)

type stubPublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]bus.Handler
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{published: make(map[string][][]byte), handlers: make(map[string]bus.Handler)}
}

func (s *stubPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), payload...)
	s.published[subject] = append(s.published[subject], cp)
	return nil
}

func (s *stubPublisher) Subscribe(_ context.Context, subject string, handler bus.Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[subject] = handler
	return func() {}, nil
}

func (s *stubPublisher) trigger(subject string, payload []byte) {
	s.mu.Lock()
	h := s.handlers[subject]
	s.mu.Unlock()
	h(subject, payload)
}

func (s *stubPublisher) messages(subject string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.published[subject]))
	copy(out, s.published[subject])
	return out
}

type stubGenerator struct {
	mu           sync.Mutex
	batchFn      func(rpc.BatchGenerateParams) (rpc.BatchGenerateResult, error)
	chunkHandler func(rpc.StreamChunkNotification)
	eventHandler func(rpc.StreamEventNotification)
}

func (g *stubGenerator) BatchGenerate(_ context.Context, params rpc.BatchGenerateParams, _ time.Duration) (rpc.BatchGenerateResult, error) {
	return g.batchFn(params)
}

func (g *stubGenerator) OnStreamChunk(h func(rpc.StreamChunkNotification)) func() {
	g.mu.Lock()
	g.chunkHandler = h
	g.mu.Unlock()
	return func() {}
}

func (g *stubGenerator) OnStreamEvent(h func(rpc.StreamEventNotification)) func() {
	g.mu.Lock()
	g.eventHandler = h
	g.mu.Unlock()
	return func() {}
}

func (g *stubGenerator) LoadModel(_ context.Context, _ interface{}) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (g *stubGenerator) emitChunk(c rpc.StreamChunkNotification) {
	g.mu.Lock()
	h := g.chunkHandler
	g.mu.Unlock()
	if h != nil {
		h(c)
	}
}

type fixedResourceManager struct{ admit bool }

func (f fixedResourceManager) Admit() bool                             { return f.admit }
func (f fixedResourceManager) Snapshot() (cpu, memory, gpu float64)     { return 0, 0, 0 }

func baseConfig() worker.Config {
	return worker.Config{
		WorkerID:          "w1",
		HeartbeatInterval: time.Hour,
		QueueCapacity:     10,
		MicroBatchTimeout: 10 * time.Millisecond,
		DrainGracePeriod:  50 * time.Millisecond,
	}
}

var _ = Describe("Worker", func() {
	It("publishes worker.register on start", func() {
		pub := newStubPublisher()
		gen := &stubGenerator{batchFn: func(rpc.BatchGenerateParams) (rpc.BatchGenerateResult, error) {
			return rpc.BatchGenerateResult{}, nil
		}}
		w := worker.New(logging.Noop(), pub, gen, fixedResourceManager{admit: true}, baseConfig(), nil)

		Expect(w.Start(context.Background())).To(Succeed())
		defer w.Stop(context.Background())

		msgs := pub.messages(bus.SubjectWorkerRegister)
		Expect(msgs).To(HaveLen(1))
		var payload worker.RegisterPayload
		Expect(json.Unmarshal(msgs[0], &payload)).To(Succeed())
		Expect(payload.WorkerID).To(Equal("w1"))
		Expect(payload.Status).To(Equal("online"))
	})

	It("fails fast with the resource-limit code when the resource manager rejects", func() {
		pub := newStubPublisher()
		gen := &stubGenerator{batchFn: func(rpc.BatchGenerateParams) (rpc.BatchGenerateResult, error) {
			return rpc.BatchGenerateResult{}, nil
		}}
		w := worker.New(logging.Noop(), pub, gen, fixedResourceManager{admit: false}, baseConfig(), nil)
		Expect(w.Start(context.Background())).To(Succeed())
		defer w.Stop(context.Background())

		payload, err := json.Marshal(map[string]interface{}{
			"request_id": "r1",
			"params":     rpc.GenerateParams{ModelID: "m", StreamID: "s1"},
		})
		Expect(err).NotTo(HaveOccurred())
		pub.trigger(bus.WorkerInferenceSubject("w1"), payload)

		Eventually(func() [][]byte { return pub.messages(bus.ResponseSubject("r1")) }).Should(HaveLen(1))
		var resp worker.ResponseMessage
		Expect(json.Unmarshal(pub.messages(bus.ResponseSubject("r1"))[0], &resp)).To(Succeed())
		Expect(resp.Kind).To(Equal("error"))
		Expect(resp.Code).To(Equal(string(rpc.KindResourceLimitExceeded)))
	})

	It("rejects with the queue-full code once the local queue is at capacity", func() {
		pub := newStubPublisher()
		gen := &stubGenerator{batchFn: func(rpc.BatchGenerateParams) (rpc.BatchGenerateResult, error) {
			return rpc.BatchGenerateResult{}, nil
		}}
		cfg := baseConfig()
		cfg.QueueCapacity = 0
		w := worker.New(logging.Noop(), pub, gen, fixedResourceManager{admit: true}, cfg, nil)
		Expect(w.Start(context.Background())).To(Succeed())
		defer w.Stop(context.Background())

		payload, _ := json.Marshal(map[string]interface{}{
			"request_id": "r2",
			"params":     rpc.GenerateParams{ModelID: "m", StreamID: "s2"},
		})
		pub.trigger(bus.WorkerInferenceSubject("w1"), payload)

		Eventually(func() [][]byte { return pub.messages(bus.ResponseSubject("r2")) }).Should(HaveLen(1))
		var resp worker.ResponseMessage
		Expect(json.Unmarshal(pub.messages(bus.ResponseSubject("r2"))[0], &resp)).To(Succeed())
		Expect(resp.Code).To(Equal(string(rpc.KindQueueFull)))
	})

	It("drains an admitted request through the micro-batcher and relays tokens to response.<request_id>", func() {
		pub := newStubPublisher()
		gen := &stubGenerator{batchFn: func(p rpc.BatchGenerateParams) (rpc.BatchGenerateResult, error) {
			results := make([]rpc.BatchEntryResult, len(p.Requests))
			for i, r := range p.Requests {
				results[i] = rpc.BatchEntryResult{Success: true, Result: &rpc.GenerateResult{StreamID: r.StreamID}}
			}
			return rpc.BatchGenerateResult{Results: results}, nil
		}}
		w := worker.New(logging.Noop(), pub, gen, fixedResourceManager{admit: true}, baseConfig(), nil)
		Expect(w.Start(context.Background())).To(Succeed())
		defer w.Stop(context.Background())

		payload, _ := json.Marshal(map[string]interface{}{
			"request_id": "r3",
			"params":     rpc.GenerateParams{ModelID: "m", StreamID: "s3"},
		})
		pub.trigger(bus.WorkerInferenceSubject("w1"), payload)
		time.Sleep(20 * time.Millisecond) // let the drain loop dispatch the batch

		gen.emitChunk(rpc.StreamChunkNotification{StreamID: "s3", Token: "hi", IsFinal: true})

		Eventually(func() [][]byte { return pub.messages(bus.ResponseSubject("r3")) }).Should(HaveLen(2))
		msgs := pub.messages(bus.ResponseSubject("r3"))
		var token, done worker.ResponseMessage
		Expect(json.Unmarshal(msgs[0], &token)).To(Succeed())
		Expect(json.Unmarshal(msgs[1], &done)).To(Succeed())
		Expect(token.Kind).To(Equal("token"))
		Expect(token.Token).To(Equal("hi"))
		Expect(done.Kind).To(Equal("done"))
	})

	It("lets an in-flight stream finish normally instead of cancelling it the instant Stop is called", func() {
		pub := newStubPublisher()
		release := make(chan struct{})
		gen := &stubGenerator{batchFn: func(p rpc.BatchGenerateParams) (rpc.BatchGenerateResult, error) {
			<-release
			results := make([]rpc.BatchEntryResult, len(p.Requests))
			for i, r := range p.Requests {
				results[i] = rpc.BatchEntryResult{Success: true, Result: &rpc.GenerateResult{StreamID: r.StreamID}}
			}
			return rpc.BatchGenerateResult{Results: results}, nil
		}}
		cfg := baseConfig()
		cfg.DrainGracePeriod = 200 * time.Millisecond
		w := worker.New(logging.Noop(), pub, gen, fixedResourceManager{admit: true}, cfg, nil)
		Expect(w.Start(context.Background())).To(Succeed())

		payload, _ := json.Marshal(map[string]interface{}{
			"request_id": "r4",
			"params":     rpc.GenerateParams{ModelID: "m", StreamID: "s4"},
		})
		pub.trigger(bus.WorkerInferenceSubject("w1"), payload)
		time.Sleep(20 * time.Millisecond) // let the request reach the blocked batch dispatch

		stopDone := make(chan struct{})
		go func() {
			w.Stop(context.Background())
			close(stopDone)
		}()
		time.Sleep(20 * time.Millisecond) // Stop has closed stopCh and is waiting out the grace period

		gen.emitChunk(rpc.StreamChunkNotification{StreamID: "s4", Token: "hi", IsFinal: true})

		Eventually(func() [][]byte { return pub.messages(bus.ResponseSubject("r4")) }).Should(HaveLen(2))
		msgs := pub.messages(bus.ResponseSubject("r4"))
		var token, done worker.ResponseMessage
		Expect(json.Unmarshal(msgs[0], &token)).To(Succeed())
		Expect(json.Unmarshal(msgs[1], &done)).To(Succeed())
		Expect(token.Kind).To(Equal("token"))
		Expect(done.Kind).To(Equal("done"))

		close(release)
		Eventually(stopDone).Should(BeClosed())
	})
})
