// Package testutil centralizes fixture construction for this repo's test
// suites, following the teacher's pkg/testutil test-data-factory pattern:
// one factory type per domain area, prefixed Create*, with sane defaults
// so specs only override the fields they care about.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/inferfabric/fabric/pkg/controller"
	"github.com/inferfabric/fabric/pkg/qos"
	"github.com/inferfabric/fabric/pkg/qos/policy"
	"github.com/inferfabric/fabric/pkg/rpc"
	"github.com/inferfabric/fabric/pkg/worker"
)

const (
	DefaultTestModel     = "test-model"
	DefaultTestTenant    = "tenant-a"
	DefaultTestWorkerID  = "worker-1"
	DefaultPromptText    = "Summarize the incident report."
	DefaultMaxTokens     = 256
	DefaultTemperature   = 0.7
	DefaultTopP          = 0.95
	DefaultCapacity      = 4.0
	DefaultAvgLatencyMs  = 120 * time.Millisecond
)

// TestDataFactory provides centralized test data creation for this repo's
// inference-serving components.
type TestDataFactory struct{}

// NewTestDataFactory creates a new test data factory.
func NewTestDataFactory() *TestDataFactory {
	return &TestDataFactory{}
}

// =============================================================================
// INFERENCE REQUEST PATTERNS
// =============================================================================

// CreateStreamingRequest creates a standard streaming inference request.
func (f *TestDataFactory) CreateStreamingRequest() controller.InferenceRequest {
	maxTokens := DefaultMaxTokens
	temp := DefaultTemperature
	return controller.InferenceRequest{
		RequestID: generateRequestID(),
		ModelID:   DefaultTestModel,
		Prompt:    DefaultPromptText,
		MaxTokens: &maxTokens,
		Temperature: &temp,
		Stream:    true,
	}
}

// CreateBufferedRequest creates a non-streaming (buffered completion)
// inference request.
func (f *TestDataFactory) CreateBufferedRequest() controller.InferenceRequest {
	req := f.CreateStreamingRequest()
	req.RequestID = generateRequestID()
	req.Stream = false
	return req
}

// CreateCustomRequest creates a request with the given model/prompt,
// defaulting any empty fields.
func (f *TestDataFactory) CreateCustomRequest(modelID, prompt string) controller.InferenceRequest {
	modelID = validateStringWithDefault(modelID, DefaultTestModel)
	prompt = validateStringWithDefault(prompt, DefaultPromptText)
	return controller.InferenceRequest{
		RequestID: generateRequestID(),
		ModelID:   modelID,
		Prompt:    prompt,
		Stream:    true,
	}
}

// =============================================================================
// WORKER REGISTRY PATTERNS
// =============================================================================

// CreateHealthyWorker creates a worker snapshot in good standing.
func (f *TestDataFactory) CreateHealthyWorker() controller.WorkerInfo {
	return controller.WorkerInfo{
		ID:              DefaultTestWorkerID,
		Health:          controller.HealthHealthy,
		CurrentLoad:     1,
		Capacity:        DefaultCapacity,
		AvgLatency:      DefaultAvgLatencyMs,
		AvailableModels: map[string]bool{DefaultTestModel: true},
	}
}

// CreateOverloadedWorker creates a worker snapshot near saturation.
func (f *TestDataFactory) CreateOverloadedWorker() controller.WorkerInfo {
	w := f.CreateHealthyWorker()
	w.ID = "worker-overloaded"
	w.CurrentLoad = DefaultCapacity
	w.AvgLatency = 900 * time.Millisecond
	return w
}

// CreateRegisterPayload creates a worker.register wire payload.
func (f *TestDataFactory) CreateRegisterPayload() worker.RegisterPayload {
	return worker.RegisterPayload{
		WorkerID:  DefaultTestWorkerID,
		Hostname:  "gpu-node-1",
		IP:        "10.0.0.5",
		Port:      7000,
		Skills:    worker.Skills{AvailableModels: []string{DefaultTestModel}},
		Status:    "ready",
		Timestamp: fixedTimestamp(),
	}
}

// CreateHeartbeatPayload creates a worker.heartbeat wire payload.
func (f *TestDataFactory) CreateHeartbeatPayload() worker.HeartbeatPayload {
	return worker.HeartbeatPayload{
		WorkerID:       DefaultTestWorkerID,
		CPU:            0.4,
		Memory:         0.5,
		GPU:            0.6,
		ActiveRequests: 2,
		TotalHandled:   100,
		AvgLatencyMs:   120,
		LoadedModels:   []string{DefaultTestModel},
		Timestamp:      fixedTimestamp(),
	}
}

// CreateDeregisterPayload creates a worker.deregister wire payload.
func (f *TestDataFactory) CreateDeregisterPayload() worker.DeregisterPayload {
	return worker.DeregisterPayload{WorkerID: DefaultTestWorkerID, Timestamp: fixedTimestamp()}
}

// =============================================================================
// GENERATOR WIRE PATTERNS
// =============================================================================

// CreateGenerateParams creates a standard generate request body.
func (f *TestDataFactory) CreateGenerateParams() rpc.GenerateParams {
	maxTokens := DefaultMaxTokens
	temp := DefaultTemperature
	topP := DefaultTopP
	return rpc.GenerateParams{
		ModelID:     DefaultTestModel,
		Prompt:      DefaultPromptText,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
		TopP:        &topP,
		Streaming:   true,
		StreamID:    generateRequestID() + "-stream",
	}
}

// CreateBatchGenerateParams creates a batch of n generate requests sharing
// one model_id, as the generate batcher (C5) would assemble.
func (f *TestDataFactory) CreateBatchGenerateParams(n int) rpc.BatchGenerateParams {
	reqs := make([]rpc.GenerateParams, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, f.CreateGenerateParams())
	}
	return rpc.BatchGenerateParams{Requests: reqs}
}

// =============================================================================
// QOS PATTERNS
// =============================================================================

// CreateErrorRateSample creates a sample recording a fully-failing window.
func (f *TestDataFactory) CreateErrorRateSample(at time.Time) qos.Sample {
	return qos.Sample{Metric: qos.MetricErrorRate, Tenant: DefaultTestTenant, Model: DefaultTestModel, Value: 1.0, At: at}
}

// CreateTTFTSample creates a sample recording a time-to-first-token observation.
func (f *TestDataFactory) CreateTTFTSample(at time.Time, seconds float64) qos.Sample {
	return qos.Sample{Metric: qos.MetricTTFT, Tenant: DefaultTestTenant, Model: DefaultTestModel, Value: seconds, At: at}
}

// CreateStandardSLO creates an error-rate SLO scoped to the default tenant/model.
func (f *TestDataFactory) CreateStandardSLO() qos.SLO {
	return qos.SLO{
		Name:      "error-rate",
		Metric:    qos.MetricErrorRate,
		Threshold: 0.2,
		Tenant:    DefaultTestTenant,
		Model:     DefaultTestModel,
		Window:    time.Minute,
	}
}

// CreateAlertPolicy creates a policy whose only remediation is an alert,
// scoped to the default tenant/model.
func (f *TestDataFactory) CreateAlertPolicy() policy.Policy {
	return policy.Policy{
		Name:     "default-alert",
		TenantID: DefaultTestTenant,
		ModelID:  DefaultTestModel,
		Priority: 1,
		SLOs: []policy.SLO{
			{Name: "error-rate", Metric: "error_rate", Threshold: 0.2},
		},
		Remediations: []policy.RemediationConfig{
			{Type: "alert", CooldownMs: 1000},
		},
	}
}

// CreateScalingPolicy creates a policy wired with both scale_up and
// scale_down remediations, useful for exercising loop detection.
func (f *TestDataFactory) CreateScalingPolicy() policy.Policy {
	p := f.CreateAlertPolicy()
	p.Name = "default-scaling"
	p.Remediations = []policy.RemediationConfig{
		{Type: "scale_up", CooldownMs: 0, ExecutionWindowMs: 60000, MaxExecutionsPerWindow: 10, LoopDetectionWindow: 4},
		{Type: "scale_down", CooldownMs: 0, ExecutionWindowMs: 60000, MaxExecutionsPerWindow: 10, LoopDetectionWindow: 4},
	}
	return p
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

func generateUniqueID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

func generateRequestID() string { return generateUniqueID("test-request") }

// fixedTimestamp returns a stable unix-millis value so fixtures stay
// deterministic; callers needing distinct timestamps add an offset.
func fixedTimestamp() int64 { return 1700000000000 }

func validateStringWithDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
