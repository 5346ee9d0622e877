package rpc

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind enumerates the error taxonomy from spec §7. Kinds, not Go types:
// every error kind below is carried as a field on FabricError so callers
// can switch on Kind without a type-assertion ladder.
type Kind string

const (
	KindTransportFraming      Kind = "transport.framing_overflow"
	KindTransportWritePoison  Kind = "transport.write_chain_poisoned"
	KindTransportClosed       Kind = "transport.closed"
	KindTransportCircuitOpen  Kind = "transport.circuit_open"

	KindRPCParse         Kind = "rpc.parse_error"
	KindRPCInvalidReq    Kind = "rpc.invalid_request"
	KindRPCMethodMissing Kind = "rpc.method_not_found"
	KindRPCInvalidParams Kind = "rpc.invalid_params"
	KindRPCInternal      Kind = "rpc.internal"

	KindModelLoad     Kind = "runtime.model_load"
	KindGeneration     Kind = "runtime.generation"
	KindTokenizer      Kind = "runtime.tokenizer"
	KindGuidance       Kind = "runtime.guidance"
	KindModelNotLoaded Kind = "runtime.model_not_loaded"
	KindRuntimeGeneric Kind = "runtime.generic"

	KindResourceLimitExceeded Kind = "scheduling.resource_limit_exceeded"
	KindQueueFull             Kind = "scheduling.queue_full"
	KindWorkerUnavailable     Kind = "scheduling.worker_unavailable"
	KindWorkerTimeout         Kind = "scheduling.worker_timeout"
	KindCircuitOpen           Kind = "scheduling.circuit_open"
	KindBatchLengthMismatch   Kind = "scheduling.batch_length_mismatch"

	KindAborted  Kind = "client.aborted"
	KindTimedOut Kind = "client.timed_out"
	KindOverload Kind = "client.overload"
)

// FabricError is the enriched error type every component returns across
// package boundaries, per SPEC_FULL §7/A5.
type FabricError struct {
	Kind       Kind
	Message    string
	Method     string // set when enriching a transport/rpc failure
	Attempts   int    // set when enriching a retried call
	RetryAfter int64  // milliseconds, set for circuit-open errors
	cause      error
}

func (e *FabricError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: %s (method=%s attempts=%d)", e.Kind, e.Message, e.Method, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FabricError) Unwrap() error { return e.cause }

// New builds a FabricError with no enrichment.
func New(kind Kind, message string) *FabricError {
	return &FabricError{Kind: kind, Message: message}
}

// Wrap enriches cause with kind/message, preserving it for errors.Is/As.
func Wrap(cause error, kind Kind, message string) *FabricError {
	return &FabricError{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// WithMethod records the enriching {method, attempts} pair required by
// spec §7's propagation policy for non-retried/exhausted-retry failures.
func (e *FabricError) WithMethod(method string, attempts int) *FabricError {
	e.Method = method
	e.Attempts = attempts
	return e
}

// WithRetryAfter records the remaining open-circuit duration (ms).
func (e *FabricError) WithRetryAfter(ms int64) *FabricError {
	e.RetryAfter = ms
	return e
}

// Is supports errors.Is(err, rpc.KindX) style comparisons via a sentinel
// wrapper, since Kind is a plain string and not itself an error.
func (e *FabricError) Is(target error) bool {
	other, ok := target.(*FabricError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *FabricError.
func KindOf(err error) (Kind, bool) {
	var fe *FabricError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
