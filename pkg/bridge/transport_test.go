package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/bridge"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// failAfterWriter errors starting from the Nth Write call, to exercise the
// write-chain poisoning behavior (spec §4.1, testable property 7).
type failAfterWriter struct {
	mu       sync.Mutex
	n        int
	count    int
	delegate io.Writer
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.count++
	fail := w.count >= w.n
	w.mu.Unlock()
	if fail {
		return 0, errors.New("simulated write failure")
	}
	return w.delegate.Write(p)
}

var _ = Describe("Transport", func() {
	It("resolves a request with the correlated response", func() {
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		defer reqW.Close()
		defer respW.Close()

		rt := newFakeRuntime(reqR, respW)
		rt.setHandler(func(method string, params json.RawMessage) (interface{}, *rpc.Error) {
			return map[string]string{"echo": method}, nil
		})

		tr := bridge.NewTransport(logging.Noop(), reqW, respR, bridge.TransportOptions{MaxPending: 16, LineBufferBytes: 1 << 20})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		raw, err := tr.Request(ctx, "ping", struct{}{}, bridge.RequestOptions{})
		Expect(err).NotTo(HaveOccurred())

		var out map[string]string
		Expect(json.Unmarshal(raw, &out)).To(Succeed())
		Expect(out["echo"]).To(Equal("ping"))
	})

	It("rejects every subsequently queued write with the same error once the chain is poisoned", func() {
		respR, respW := io.Pipe()
		defer respW.Close()

		fw := &failAfterWriter{n: 1, delegate: io.Discard}
		tr := bridge.NewTransport(logging.Noop(), fw, respR, bridge.TransportOptions{MaxPending: 16, LineBufferBytes: 1 << 20})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err1 := tr.Request(ctx, "a", struct{}{}, bridge.RequestOptions{})
		_, err2 := tr.Request(ctx, "b", struct{}{}, bridge.RequestOptions{})

		Expect(err1).To(HaveOccurred())
		Expect(err2).To(HaveOccurred())
		Expect(err2).To(Equal(err1))
	})

	It("rejects all pending requests with a transport-closed error on Close", func() {
		respR, respW := io.Pipe()
		defer respW.Close()
		// respR is never written to, so the request below never resolves
		// on its own; only Close should unblock it.

		tr := bridge.NewTransport(logging.Noop(), io.Discard, respR, bridge.TransportOptions{MaxPending: 16, LineBufferBytes: 1 << 20})

		done := make(chan error, 1)
		go func() {
			_, err := tr.Request(context.Background(), "slow", struct{}{}, bridge.RequestOptions{})
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		Expect(tr.Close()).To(Succeed())

		Eventually(done, time.Second).Should(Receive(HaveOccurred()))
	})
})
