package bridge_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/bridge"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// stubRequester lets multiplexer tests control batch_<method> responses
// directly, without a transport or fake runtime in the loop.
type stubRequester struct {
	mu    sync.Mutex
	calls []string
	fn    func(method string, params interface{}) (json.RawMessage, error)
}

func (s *stubRequester) Request(ctx context.Context, method string, params interface{}, opts bridge.RequestOptions) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	s.mu.Unlock()
	return s.fn(method, params)
}

var _ = Describe("Multiplexer", func() {
	cfg := bridge.MultiplexerConfig{
		MaxBatchSize:             8,
		MinBatchSize:             1,
		MinHold:                  20 * time.Millisecond,
		MaxHold:                  20 * time.Millisecond,
		LowConcurrencyThreshold:  1,
		HighConcurrencyThreshold: 4,
	}

	It("collapses two concurrent tokenize calls into one batch_tokenize envelope (S1)", func() {
		req := &stubRequester{fn: func(method string, params interface{}) (json.RawMessage, error) {
			Expect(method).To(Equal("batch_tokenize"))
			b, _ := json.Marshal(params)
			var env struct {
				Requests []json.RawMessage `json:"requests"`
			}
			Expect(json.Unmarshal(b, &env)).To(Succeed())
			Expect(env.Requests).To(HaveLen(2))

			results := make([]rpc.GenericBatchEntry, len(env.Requests))
			for i := range results {
				tokens, _ := json.Marshal(rpc.TokenizeResult{Tokens: []int{1, 2, 3}})
				results[i] = rpc.GenericBatchEntry{Success: true, Result: tokens}
			}
			return json.Marshal(rpc.GenericBatchResult{Results: results})
		}}

		mux := bridge.NewMultiplexer(discardLogger(), req, cfg, []string{rpc.MethodTokenize})

		var wg sync.WaitGroup
		results := make([]rpc.TokenizeResult, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				raw, err := mux.Call(context.Background(), rpc.MethodTokenize, rpc.TokenizeParams{ModelID: "m", Text: "p"}, bridge.RequestOptions{})
				errs[i] = err
				if err == nil {
					_ = json.Unmarshal(raw, &results[i])
				}
			}(i)
		}
		wg.Wait()

		for i := range errs {
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(results[i].Tokens).To(HaveLen(3))
		}

		req.mu.Lock()
		callCount := len(req.calls)
		req.mu.Unlock()
		Expect(callCount).To(Equal(1))

		solo, batched := mux.Stats()
		Expect(solo).To(Equal(int64(0)))
		Expect(batched).To(Equal(int64(2)))
	})

	It("rejects both callers with a batch length mismatch when the envelope is short (S2)", func() {
		req := &stubRequester{fn: func(method string, params interface{}) (json.RawMessage, error) {
			tokens, _ := json.Marshal(rpc.TokenizeResult{Tokens: []int{1}})
			return json.Marshal(rpc.GenericBatchResult{Results: []rpc.GenericBatchEntry{
				{Success: true, Result: tokens},
			}})
		}}

		mux := bridge.NewMultiplexer(discardLogger(), req, cfg, []string{rpc.MethodTokenize})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := mux.Call(context.Background(), rpc.MethodTokenize, rpc.TokenizeParams{ModelID: "m", Text: "p"}, bridge.RequestOptions{})
				errs[i] = err
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("batch response length mismatch"))
		}
	})

	It("bypasses the multiplexer entirely for a call carrying an explicit timeout", func() {
		req := &stubRequester{fn: func(method string, params interface{}) (json.RawMessage, error) {
			Expect(method).To(Equal(rpc.MethodTokenize))
			return json.Marshal(rpc.TokenizeResult{Tokens: []int{9}})
		}}

		mux := bridge.NewMultiplexer(discardLogger(), req, cfg, []string{rpc.MethodTokenize})
		raw, err := mux.Call(context.Background(), rpc.MethodTokenize, rpc.TokenizeParams{ModelID: "m", Text: "p"}, bridge.RequestOptions{Timeout: time.Second})
		Expect(err).NotTo(HaveOccurred())

		var res rpc.TokenizeResult
		Expect(json.Unmarshal(raw, &res)).To(Succeed())
		Expect(res.Tokens).To(Equal([]int{9}))

		solo, batched := mux.Stats()
		Expect(solo).To(Equal(int64(1)))
		Expect(batched).To(Equal(int64(0)))
	})
})
