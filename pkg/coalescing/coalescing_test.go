package coalescing_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inferfabric/fabric/pkg/coalescing"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

// recordingSink captures every chunk it receives and whether it has been
// closed, standing in for a real per-caller stream handle.
type recordingSink struct {
	mu     sync.Mutex
	chunks []coalescing.Chunk
	closed bool
}

func (s *recordingSink) Send(c coalescing.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	return true
}
func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
func (s *recordingSink) snapshot() ([]coalescing.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]coalescing.Chunk(nil), s.chunks...), s.closed
}

func newRegistry(cfg coalescing.Config) *coalescing.Registry {
	return coalescing.New(logging.Noop(), cfg, metrics.New(prometheus.NewRegistry()))
}

var _ = Describe("Registry", func() {
	It("fans a single primary stream out to two subscribers as a prefix each", func() {
		r := newRegistry(coalescing.Config{MaxSubscribers: 8, Timeout: time.Second})

		source := make(chan coalescing.Chunk, 8)
		factory := func() (coalescing.PrimarySource, context.CancelFunc) {
			return source, func() {}
		}

		sink1 := &recordingSink{}
		sink2 := &recordingSink{}

		r.Coalesce("fp1", sink1, factory)
		r.Coalesce("fp1", sink2, factory)

		source <- coalescing.Chunk{Data: rpc.StreamChunkNotification{Token: "a"}}
		source <- coalescing.Chunk{Data: rpc.StreamChunkNotification{Token: "b"}, Final: true}
		close(source)

		Eventually(func() bool {
			_, closed1 := sink1.snapshot()
			_, closed2 := sink2.snapshot()
			return closed1 && closed2
		}, time.Second).Should(BeTrue())

		chunks1, _ := sink1.snapshot()
		chunks2, _ := sink2.snapshot()
		Expect(chunks1).To(HaveLen(2))
		Expect(chunks2).To(Equal(chunks1))

		stats := r.Stats()
		Expect(stats.Primary).To(Equal(int64(1)))
		Expect(stats.Coalesced).To(Equal(int64(1)))
		Expect(stats.Total).To(Equal(int64(2)))
	})

	It("propagates a terminal error to every subscriber", func() {
		r := newRegistry(coalescing.Config{MaxSubscribers: 8, Timeout: time.Second})

		source := make(chan coalescing.Chunk, 4)
		factory := func() (coalescing.PrimarySource, context.CancelFunc) {
			return source, func() {}
		}

		sink := &recordingSink{}
		r.Coalesce("fp2", sink, factory)
		source <- coalescing.Chunk{Err: rpc.New(rpc.KindGeneration, "boom")}

		Eventually(func() bool {
			_, closed := sink.snapshot()
			return closed
		}, time.Second).Should(BeTrue())

		chunks, _ := sink.snapshot()
		Expect(chunks).To(HaveLen(1))
		Expect(chunks[0].Err).To(HaveOccurred())

		stats := r.Stats()
		Expect(stats.Errors).To(Equal(int64(1)))
	})

	It("fires a timeout failure when the primary stays quiet past timeout_ms", func() {
		r := newRegistry(coalescing.Config{MaxSubscribers: 8, Timeout: 20 * time.Millisecond})

		source := make(chan coalescing.Chunk)
		factory := func() (coalescing.PrimarySource, context.CancelFunc) {
			return source, func() {}
		}

		sink := &recordingSink{}
		r.Coalesce("fp3", sink, factory)

		Eventually(func() bool {
			_, closed := sink.snapshot()
			return closed
		}, time.Second).Should(BeTrue())

		stats := r.Stats()
		Expect(stats.Timeouts).To(Equal(int64(1)))
	})
})
