package rpc

import "encoding/json"

// GenerateParams is the request body for the "generate" method.
type GenerateParams struct {
	ModelID        string   `json:"model_id"`
	Prompt         string   `json:"prompt"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	TopK           *int     `json:"top_k,omitempty"`
	Streaming      bool     `json:"streaming,omitempty"`
	StreamID       string   `json:"stream_id"`
	StopSequences  []string `json:"stop_sequences,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Guidance       string   `json:"guidance,omitempty"`
	DraftModel     string   `json:"draft_model,omitempty"`
}

// GenerateResult is the immediate (non-streaming) acknowledgement of a
// generate call; tokens arrive later as stream.chunk notifications.
type GenerateResult struct {
	StreamID  string `json:"stream_id"`
	StartedAt int64  `json:"started_at"`
}

// BatchGenerateParams wraps a set of generate requests dispatched together
// by the generate batcher (C5).
type BatchGenerateParams struct {
	Requests []GenerateParams `json:"requests"`
}

// BatchEntryResult is one slot of a batch_generate response.
type BatchEntryResult struct {
	Success bool            `json:"success"`
	Result  *GenerateResult `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// BatchGenerateResult is the batch_generate response envelope.
type BatchGenerateResult struct {
	Results []BatchEntryResult `json:"results"`
}

// GenericBatchEntry is one slot of a batch_<method> response for the ops
// multiplexer (C3), whose Result shape varies by method (tokenize vs.
// check_draft), so it is carried as raw JSON rather than a fixed type.
type GenericBatchEntry struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// GenericBatchResult is the batch_<method> response envelope for
// multiplexed low-latency calls.
type GenericBatchResult struct {
	Results []GenericBatchEntry `json:"results"`
}

// TokenizeParams is shared by tokenize and batch_tokenize (one text each
// in the batched envelope's Requests).
type TokenizeParams struct {
	ModelID           string `json:"model_id"`
	Text              string `json:"text"`
	AddSpecialTokens  *bool  `json:"add_special_tokens,omitempty"`
}

// TokenizeResult is the tokenize/batch_tokenize response payload.
type TokenizeResult struct {
	Tokens        []int    `json:"tokens"`
	TokenStrings  []string `json:"token_strings,omitempty"`
}

// CheckDraftParams is the check_draft/batch_check_draft request payload.
type CheckDraftParams struct {
	PrimaryID string `json:"primary_id"`
	DraftID   string `json:"draft_id"`
}

// CheckDraftResult is the check_draft/batch_check_draft response payload.
type CheckDraftResult struct {
	Compatible bool                   `json:"compatible"`
	Errors     []string               `json:"errors,omitempty"`
	Warnings   []string               `json:"warnings,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// StreamChunkNotification carries one or more generated tokens.
type StreamChunkNotification struct {
	StreamID string   `json:"stream_id"`
	Token    string   `json:"token,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`
	IsFinal  bool     `json:"is_final"`
}

// StreamStatsNotification reports terminal generation statistics.
type StreamStatsNotification struct {
	StreamID         string  `json:"stream_id"`
	TokensGenerated  int     `json:"tokens_generated"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TotalTime        float64 `json:"total_time"`
}

// StreamEventNotification is a discriminated terminal event.
type StreamEventNotification struct {
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"` // "completed" | "error"
	IsFinal  bool   `json:"is_final"`
	Error    *Error `json:"error,omitempty"`
}
