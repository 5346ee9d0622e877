package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	"github.com/inferfabric/fabric/pkg/bus"
)

func msToDuration(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

// registerMessage mirrors the subset of worker.RegisterPayload the router
// reads: the worker ID and its advertised models.
type registerMessage struct {
	WorkerID string `json:"worker_id"`
	Skills   struct {
		AvailableModels []string `json:"available_models"`
	} `json:"skills"`
}

type heartbeatMessage struct {
	WorkerID       string  `json:"worker_id"`
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	ActiveRequests int     `json:"active_requests"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

type deregisterMessage struct {
	WorkerID string `json:"worker_id"`
}

// SubscribeWorkerLifecycle binds the bus handler spec §5 describes as the
// registry's only writer: worker.register seeds a WorkerInfo, repeated
// worker.heartbeat refreshes its load/latency snapshot, and
// worker.deregister removes it. The returned func tears down all three
// subscriptions.
func SubscribeWorkerLifecycle(ctx context.Context, log logr.Logger, b *bus.Bus, c *Controller) (func(), error) {
	var unsubs []func()

	unregister, err := b.Subscribe(ctx, bus.SubjectWorkerRegister, func(_ string, payload []byte) {
		var m registerMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Error(err, "decode worker.register")
			return
		}
		models := make(map[string]bool, len(m.Skills.AvailableModels))
		for _, id := range m.Skills.AvailableModels {
			models[id] = true
		}
		c.UpdateWorker(WorkerInfo{ID: m.WorkerID, Health: HealthHealthy, Capacity: 1, AvailableModels: models})
	})
	if err != nil {
		return nil, err
	}
	unsubs = append(unsubs, unregister)

	unheartbeat, err := b.Subscribe(ctx, bus.SubjectWorkerHeartbeat, func(_ string, payload []byte) {
		var m heartbeatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Error(err, "decode worker.heartbeat")
			return
		}
		c.mu.Lock()
		w, ok := c.workers[m.WorkerID]
		c.mu.Unlock()
		if !ok {
			return
		}
		w.CurrentLoad = float64(m.ActiveRequests)
		w.AvgLatency = msToDuration(m.AvgLatencyMs)
		c.UpdateWorker(w)
	})
	if err != nil {
		unregister()
		return nil, err
	}
	unsubs = append(unsubs, unheartbeat)

	underegister, err := b.Subscribe(ctx, bus.SubjectWorkerDeregister, func(_ string, payload []byte) {
		var m deregisterMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Error(err, "decode worker.deregister")
			return
		}
		c.RemoveWorker(m.WorkerID)
	})
	if err != nil {
		unregister()
		unheartbeat()
		return nil, err
	}
	unsubs = append(unsubs, underegister)

	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}
