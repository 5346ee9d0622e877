package bridge_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/bridge"
)

var _ = Describe("Circuit", func() {
	It("opens after failure_threshold consecutive failures and recovers after two successful probes", func() {
		now := time.Unix(0, 0)
		clock := func() time.Time { return now }

		c := bridge.NewCircuit(bridge.CircuitConfig{
			FailureThreshold:      3,
			FailureWindow:         time.Minute,
			RecoveryTimeout:       5 * time.Second,
			HalfOpenMaxCalls:      2,
			HalfOpenSuccessThresh: 2,
			Now:                   clock,
		})

		for i := 0; i < 3; i++ {
			ok, _ := c.Allow()
			Expect(ok).To(BeTrue())
			c.OnFailure()
		}

		state, failures := c.Snapshot()
		Expect(state).To(Equal(bridge.StateOpen))
		Expect(failures).To(Equal(3))

		ok, retryAfter := c.Allow()
		Expect(ok).To(BeFalse())
		Expect(retryAfter).To(BeNumerically(">", 0))

		now = now.Add(5 * time.Second)

		ok, _ = c.Allow()
		Expect(ok).To(BeTrue())
		c.OnSuccess()

		ok, _ = c.Allow()
		Expect(ok).To(BeTrue())
		c.OnSuccess()

		state, failures = c.Snapshot()
		Expect(state).To(Equal(bridge.StateClosed))
		Expect(failures).To(Equal(0))
	})

	It("caps half-open probes in flight at half_open_max_calls", func() {
		now := time.Unix(0, 0)
		clock := func() time.Time { return now }

		c := bridge.NewCircuit(bridge.CircuitConfig{
			FailureThreshold:      1,
			FailureWindow:         time.Minute,
			RecoveryTimeout:       time.Second,
			HalfOpenMaxCalls:      1,
			HalfOpenSuccessThresh: 1,
			Now:                   clock,
		})

		c.Allow()
		c.OnFailure()

		now = now.Add(time.Second)

		ok1, _ := c.Allow()
		Expect(ok1).To(BeTrue())

		ok2, _ := c.Allow()
		Expect(ok2).To(BeFalse())
	})

	It("reopens the circuit on a failed half-open probe", func() {
		now := time.Unix(0, 0)
		clock := func() time.Time { return now }

		c := bridge.NewCircuit(bridge.CircuitConfig{
			FailureThreshold:      1,
			FailureWindow:         time.Minute,
			RecoveryTimeout:       time.Second,
			HalfOpenMaxCalls:      1,
			HalfOpenSuccessThresh: 1,
			Now:                   clock,
		})

		c.Allow()
		c.OnFailure()
		now = now.Add(time.Second)

		ok, _ := c.Allow()
		Expect(ok).To(BeTrue())
		c.OnFailure()

		state, _ := c.Snapshot()
		Expect(state).To(Equal(bridge.StateOpen))
	})
})
