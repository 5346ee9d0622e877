package batcher_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inferfabric/fabric/pkg/batcher"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

type stubBatchRequester struct {
	mu    sync.Mutex
	calls [][]rpc.GenerateParams
	fn    func(reqs []rpc.GenerateParams) rpc.BatchGenerateResult
}

func (s *stubBatchRequester) BatchGenerate(ctx context.Context, params rpc.BatchGenerateParams, timeout time.Duration) (rpc.BatchGenerateResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, params.Requests)
	s.mu.Unlock()
	return s.fn(params.Requests), nil
}

func newMetrics() *metrics.Registry { return metrics.New(prometheus.NewRegistry()) }

var _ = Describe("Batcher", func() {
	It("coalesces concurrent default-priority entries for the same model into one envelope", func() {
		req := &stubBatchRequester{fn: func(reqs []rpc.GenerateParams) rpc.BatchGenerateResult {
			results := make([]rpc.BatchEntryResult, len(reqs))
			for i := range reqs {
				results[i] = rpc.BatchEntryResult{Success: true, Result: &rpc.GenerateResult{StreamID: reqs[i].StreamID}}
			}
			return rpc.BatchGenerateResult{Results: results}
		}}

		bt := batcher.New(logging.Noop(), req, batcher.Config{
			Enabled: true, MaxBatchSize: 8, MinBatchSize: 1, InitialTargetSize: 8,
			HoldMsDefault: 10 * time.Millisecond, HoldMsBackground: 30 * time.Millisecond,
			TargetDispatchTime: 10 * time.Millisecond, PauseOnBackpressure: 50 * time.Millisecond,
		}, newMetrics())

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := bt.Enqueue(context.Background(), rpc.GenerateParams{ModelID: "m", StreamID: "s"}, batcher.EnqueueOptions{Priority: batcher.PriorityDefault})
				errs[i] = err
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		req.mu.Lock()
		defer req.mu.Unlock()
		Expect(req.calls).To(HaveLen(1))
		Expect(req.calls[0]).To(HaveLen(2))
	})

	It("dispatches an urgent entry without waiting for the hold window", func() {
		req := &stubBatchRequester{fn: func(reqs []rpc.GenerateParams) rpc.BatchGenerateResult {
			return rpc.BatchGenerateResult{Results: []rpc.BatchEntryResult{
				{Success: true, Result: &rpc.GenerateResult{StreamID: reqs[0].StreamID}},
			}}
		}}

		bt := batcher.New(logging.Noop(), req, batcher.Config{
			Enabled: true, MaxBatchSize: 8, MinBatchSize: 1, InitialTargetSize: 8,
			HoldMsDefault: time.Second, HoldMsBackground: time.Second,
			TargetDispatchTime: 10 * time.Millisecond, PauseOnBackpressure: 50 * time.Millisecond,
		}, newMetrics())

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_, err := bt.Enqueue(ctx, rpc.GenerateParams{ModelID: "m", StreamID: "s"}, batcher.EnqueueOptions{Priority: batcher.PriorityUrgent})
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails every entry uniformly when the batch response length mismatches", func() {
		req := &stubBatchRequester{fn: func(reqs []rpc.GenerateParams) rpc.BatchGenerateResult {
			return rpc.BatchGenerateResult{Results: []rpc.BatchEntryResult{
				{Success: true, Result: &rpc.GenerateResult{}},
			}}
		}}

		bt := batcher.New(logging.Noop(), req, batcher.Config{
			Enabled: true, MaxBatchSize: 8, MinBatchSize: 1, InitialTargetSize: 8,
			HoldMsDefault: 5 * time.Millisecond, HoldMsBackground: 5 * time.Millisecond,
			TargetDispatchTime: 10 * time.Millisecond, PauseOnBackpressure: 50 * time.Millisecond,
		}, newMetrics())

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := bt.Enqueue(context.Background(), rpc.GenerateParams{ModelID: "m2", StreamID: "s"}, batcher.EnqueueOptions{Priority: batcher.PriorityDefault})
				errs[i] = err
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).To(HaveOccurred())
		}
	})

	It("never batches requests for the same model across different draft models or guidance modes", func() {
		req := &stubBatchRequester{fn: func(reqs []rpc.GenerateParams) rpc.BatchGenerateResult {
			results := make([]rpc.BatchEntryResult, len(reqs))
			for i := range reqs {
				results[i] = rpc.BatchEntryResult{Success: true, Result: &rpc.GenerateResult{StreamID: reqs[i].StreamID}}
			}
			return rpc.BatchGenerateResult{Results: results}
		}}

		bt := batcher.New(logging.Noop(), req, batcher.Config{
			Enabled: true, MaxBatchSize: 8, MinBatchSize: 1, InitialTargetSize: 8,
			HoldMsDefault: 30 * time.Millisecond, HoldMsBackground: 30 * time.Millisecond,
			TargetDispatchTime: 10 * time.Millisecond, PauseOnBackpressure: 50 * time.Millisecond,
		}, newMetrics())

		var wg sync.WaitGroup
		errs := make([]error, 3)
		params := []rpc.GenerateParams{
			{ModelID: "m", StreamID: "s1"},
			{ModelID: "m", StreamID: "s2", DraftModel: "draft-a"},
			{ModelID: "m", StreamID: "s3", Guidance: "json"},
		}
		for i, p := range params {
			wg.Add(1)
			go func(i int, p rpc.GenerateParams) {
				defer wg.Done()
				_, err := bt.Enqueue(context.Background(), p, batcher.EnqueueOptions{Priority: batcher.PriorityDefault})
				errs[i] = err
			}(i, p)
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		req.mu.Lock()
		defer req.mu.Unlock()
		Expect(req.calls).To(HaveLen(3))
		for _, call := range req.calls {
			Expect(call).To(HaveLen(1))
		}
	})
})
