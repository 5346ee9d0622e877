// Package config defines every recognized configuration knob for the
// fabric as enumerated structs, validated with go-playground/validator.
// Per SPEC_FULL §9: no free-form option bags — unknown keys are rejected
// only at the outer Load boundary, never deep in the control path.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BridgeConfig configures the framed transport (C1), resilience wrapper
// (C2), and ops multiplexer (C3).
type BridgeConfig struct {
	MaxPending        int           `yaml:"max_pending" validate:"gt=0"`
	LineBufferBytes   int           `yaml:"line_buffer_bytes" validate:"gt=0"`
	DefaultTimeout    time.Duration `yaml:"default_timeout" validate:"gt=0"`

	FailureThreshold      int           `yaml:"failure_threshold" validate:"gt=0"`
	FailureWindow         time.Duration `yaml:"failure_window" validate:"gt=0"`
	RecoveryTimeout       time.Duration `yaml:"recovery_timeout" validate:"gt=0"`
	HalfOpenMaxCalls      int           `yaml:"half_open_max_calls" validate:"gt=0"`
	HalfOpenSuccessThresh int           `yaml:"half_open_success_threshold" validate:"gt=0"`

	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" validate:"gt=0"`
	RetryMultiplier   float64       `yaml:"retry_multiplier" validate:"gt=1"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" validate:"gt=0"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts" validate:"gt=0"`

	MuxMaxBatchSize            int           `yaml:"mux_max_batch_size" validate:"gt=0"`
	MuxMinBatchSize            int           `yaml:"mux_min_batch_size" validate:"gt=0"`
	MuxMinHold                 time.Duration `yaml:"mux_min_hold" validate:"gt=0"`
	MuxMaxHold                 time.Duration `yaml:"mux_max_hold" validate:"gte=0"`
	MuxLowConcurrencyThreshold int           `yaml:"mux_low_concurrency_threshold" validate:"gte=0"`
	MuxHighConcurrencyThreshold int          `yaml:"mux_high_concurrency_threshold" validate:"gte=0"`
}

// StreamRegistryConfig configures the stream registry (C4).
type StreamRegistryConfig struct {
	HardMaxStreams       int           `yaml:"hard_max_streams" validate:"gt=0"`
	InitialLimit         int           `yaml:"initial_limit" validate:"gt=0"`
	BackpressureThreshold int          `yaml:"backpressure_threshold" validate:"gt=0"`
	SlowConsumerWindow   time.Duration `yaml:"slow_consumer_window" validate:"gt=0"`
}

// BatcherConfig configures the generate batcher (C5).
type BatcherConfig struct {
	Enabled               bool          `yaml:"enabled"`
	MaxBatchSize          int           `yaml:"max_batch_size" validate:"gt=0"`
	MinBatchSize          int           `yaml:"min_batch_size" validate:"gt=0"`
	InitialTargetSize     int           `yaml:"initial_target_size" validate:"gt=0"`
	HoldMsDefault         time.Duration `yaml:"hold_default" validate:"gt=0"`
	HoldMsBackground      time.Duration `yaml:"hold_background" validate:"gt=0"`
	TargetDispatchTime    time.Duration `yaml:"target_dispatch_time" validate:"gt=0"`
	PauseOnBackpressure   time.Duration `yaml:"pause_on_backpressure" validate:"gt=0"`
}

// CoalescingConfig configures the coalescing registry (C6).
type CoalescingConfig struct {
	MaxSubscribers int           `yaml:"max_subscribers" validate:"gt=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ControllerConfig configures the request router (C7).
type ControllerConfig struct {
	Strategy               string        `yaml:"strategy" validate:"oneof=round_robin least_loaded consistent_hash latency_aware"`
	DefaultTimeout         time.Duration `yaml:"default_timeout" validate:"gt=0"`
	StreamingTimeout       time.Duration `yaml:"streaming_timeout" validate:"gt=0"`
	RetryEnabled           bool          `yaml:"retry_enabled"`
	RetryMaxAttempts       int           `yaml:"retry_max_attempts" validate:"gte=0"`
	RetryDelay             time.Duration `yaml:"retry_delay" validate:"gte=0"`
	RetryableCodes         []string      `yaml:"retryable_codes"`
	CircuitFailureThreshold int          `yaml:"circuit_failure_threshold" validate:"gt=0"`
	CircuitSuccessThreshold int          `yaml:"circuit_success_threshold" validate:"gt=0"`
	CircuitTimeout          time.Duration `yaml:"circuit_timeout" validate:"gt=0"`
	OfflineTimeout          time.Duration `yaml:"offline_timeout" validate:"gt=0"`
}

// WorkerConfig configures a worker node (C8).
type WorkerConfig struct {
	WorkerID            string        `yaml:"worker_id" validate:"required"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	RegisterWhen        string        `yaml:"register_when" validate:"oneof=ready warming"`
	QueueCapacity       int           `yaml:"queue_capacity" validate:"gt=0"`
	MicroBatchTimeout   time.Duration `yaml:"micro_batch_timeout" validate:"gt=0"`
	DrainGracePeriod    time.Duration `yaml:"drain_grace_period" validate:"gt=0"`
}

// QoSConfig configures the QoS monitor and remediation executor (C9).
type QoSConfig struct {
	EvaluationInterval  time.Duration `yaml:"evaluation_interval" validate:"gt=0"`
	DigestCentroidCap   int           `yaml:"digest_centroid_cap" validate:"gt=0"`
	CooldownDefault     time.Duration `yaml:"cooldown_default" validate:"gt=0"`
	MaxExecPerWindow    int           `yaml:"max_executions_per_window" validate:"gt=0"`
	ExecutionWindow     time.Duration `yaml:"execution_window" validate:"gt=0"`
	LoopDetectionWindow int           `yaml:"loop_detection_window" validate:"gt=0"`
	PolicyBundleDir     string        `yaml:"policy_bundle_dir"`
}

// BusConfig configures the message bus adapter (C10).
type BusConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// GatewayConfig configures the client-facing API glue (cmd/gateway).
type GatewayConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Config is the top-level enumerated configuration for the fabric.
type Config struct {
	Bridge     BridgeConfig         `yaml:"bridge"`
	Streams    StreamRegistryConfig `yaml:"streams"`
	Batcher    BatcherConfig        `yaml:"batcher"`
	Coalescing CoalescingConfig     `yaml:"coalescing"`
	Controller ControllerConfig     `yaml:"controller"`
	Worker     WorkerConfig         `yaml:"worker"`
	QoS        QoSConfig            `yaml:"qos"`
	Bus        BusConfig            `yaml:"bus"`
	Gateway    GatewayConfig        `yaml:"gateway"`
}

var validate = validator.New()

// Validate rejects unrecognized values in any enumerated field. It does not
// reject unknown YAML keys by itself — Load does that via yaml's strict
// decoder, so unknown keys are caught at the one outer boundary rather than
// deep in any component constructor.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Load reads and validates a Config from path. Unknown keys are a hard
// error (yaml.Decoder with KnownFields), matching SPEC_FULL §9's "reject
// unknown keys only at the outer boundary."
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config populated with the spec's suggested defaults,
// useful for tests and for cmd/* when no file is supplied.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			MaxPending: 1024, LineBufferBytes: 8 << 20, DefaultTimeout: 30 * time.Second,
			FailureThreshold: 5, FailureWindow: 10 * time.Second, RecoveryTimeout: 5 * time.Second,
			HalfOpenMaxCalls: 3, HalfOpenSuccessThresh: 2,
			RetryInitialDelay: 50 * time.Millisecond, RetryMultiplier: 2.0, RetryMaxDelay: 2 * time.Second,
			RetryMaxAttempts: 4,
			MuxMaxBatchSize: 32, MuxMinBatchSize: 2, MuxMinHold: 2 * time.Millisecond, MuxMaxHold: 20 * time.Millisecond,
			MuxLowConcurrencyThreshold: 4, MuxHighConcurrencyThreshold: 64,
		},
		Streams: StreamRegistryConfig{
			HardMaxStreams: 4096, InitialLimit: 512, BackpressureThreshold: 64,
			SlowConsumerWindow: 5 * time.Second,
		},
		Batcher: BatcherConfig{
			Enabled: true, MaxBatchSize: 32, MinBatchSize: 1, InitialTargetSize: 8,
			HoldMsDefault: 3 * time.Millisecond, HoldMsBackground: 15 * time.Millisecond,
			TargetDispatchTime: 10 * time.Millisecond, PauseOnBackpressure: 50 * time.Millisecond,
		},
		Coalescing: CoalescingConfig{MaxSubscribers: 64, Timeout: 60 * time.Second},
		Controller: ControllerConfig{
			Strategy: "least_loaded", DefaultTimeout: 30 * time.Second, StreamingTimeout: 120 * time.Second,
			RetryEnabled: true, RetryMaxAttempts: 2, RetryDelay: 100 * time.Millisecond,
			RetryableCodes:          []string{"scheduling.worker_timeout", "scheduling.circuit_open"},
			CircuitFailureThreshold: 5, CircuitSuccessThreshold: 2, CircuitTimeout: 10 * time.Second,
			OfflineTimeout: 15 * time.Second,
		},
		Worker: WorkerConfig{
			WorkerID: "worker-unset", HeartbeatInterval: 5 * time.Second, RegisterWhen: "ready",
			QueueCapacity: 256, MicroBatchTimeout: 4 * time.Millisecond,
			DrainGracePeriod: 30 * time.Second,
		},
		QoS: QoSConfig{
			EvaluationInterval: 1 * time.Second, DigestCentroidCap: 256,
			CooldownDefault: 30 * time.Second, MaxExecPerWindow: 3, ExecutionWindow: 5 * time.Minute,
			LoopDetectionWindow: 6,
		},
		Bus:     BusConfig{Addr: "localhost:6379"},
		Gateway: GatewayConfig{Addr: ":8080"},
	}
}
