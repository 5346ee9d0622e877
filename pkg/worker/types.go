package worker

import (
	"time"

	"github.com/inferfabric/fabric/pkg/batcher"
	"github.com/inferfabric/fabric/pkg/streaming"
)

// State is one stage of the worker lifecycle (spec §4.8).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// RegisterPayload is the worker.register message body.
type RegisterPayload struct {
	WorkerID  string   `json:"worker_id"`
	Hostname  string   `json:"hostname"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	Skills    Skills   `json:"skills"`
	Status    string   `json:"status"`
	Timestamp int64    `json:"timestamp"`
}

// Skills is a worker's advertised capability set.
type Skills struct {
	AvailableModels []string `json:"available_models"`
}

// DeregisterPayload is the worker.deregister message body.
type DeregisterPayload struct {
	WorkerID  string `json:"worker_id"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatPayload is the worker.heartbeat message body.
type HeartbeatPayload struct {
	WorkerID        string   `json:"worker_id"`
	CPU             float64  `json:"cpu"`
	Memory          float64  `json:"memory"`
	GPU             float64  `json:"gpu"`
	ActiveRequests  int      `json:"active_requests"`
	TotalHandled    int64    `json:"total_handled"`
	AvgLatencyMs    float64  `json:"avg_latency_ms"`
	LoadedModels    []string `json:"loaded_models"`
	Timestamp       int64    `json:"timestamp"`
}

// ResponseMessage is one token|done|error message published to
// response.<request_id>.
type ResponseMessage struct {
	Kind     string `json:"kind"` // "token" | "done" | "error"
	Token    string `json:"token,omitempty"`
	ErrorMsg string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Priority orders a queued inference request (spec §4.8: "explicit >
// buffered-completion > streaming-default").
type Priority int

const (
	PriorityStreamingDefault Priority = iota
	PriorityBufferedCompletion
	PriorityExplicit
)

// ResourceManager is consulted on every admission (spec §4.8 "Resource
// gate") and sampled for the heartbeat loop's utilisation fields. A
// best-effort implementation backed by runtime.NumGoroutine()/MemStats
// is adequate here: no cgroup v2 reader is introduced, and GPU
// utilisation sampling is out of scope for this repo.
type ResourceManager interface {
	Admit() bool
	Snapshot() (cpu, memory, gpu float64)
}

// Config holds the knobs from spec §4.8.
type Config struct {
	WorkerID          string
	Hostname          string
	IP                string
	Port              int
	HeartbeatInterval time.Duration
	RegisterWhen      string // "ready" | "warming"
	QueueCapacity     int
	MicroBatchTimeout time.Duration
	Batch             batcher.Config   // zero value dispatches one request at a time
	Streams           streaming.Config // zero value admits an effectively unbounded number of streams
	DrainGracePeriod  time.Duration
	PrewarmModels     []string
	PrewarmBlocking   bool
}
