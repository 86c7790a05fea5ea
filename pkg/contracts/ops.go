// Package contracts holds the shared data types that cross component
// boundaries: operation requests, routing decisions, and persisted
// operation records.
package contracts

import (
	"time"

	"github.com/helixos/helix/pkg/registry"
)

// OpKind classifies an AI operation.
type OpKind string

const (
	OpChat            OpKind = "chat"
	OpMemorySynthesis OpKind = "memory-synthesis"
	OpSentiment       OpKind = "sentiment"
	OpAgentExec       OpKind = "agent-exec"
	OpVideoUnderstand OpKind = "video-understand"
	OpAudioTranscribe OpKind = "audio-transcribe"
	OpTTS             OpKind = "tts"
	OpEmailAnalyze    OpKind = "email-analyze"
)

// Valid reports whether k is a known operation kind. Unknown kinds are
// rejected, never coerced.
func (k OpKind) Valid() bool {
	switch k {
	case OpChat, OpMemorySynthesis, OpSentiment, OpAgentExec,
		OpVideoUnderstand, OpAudioTranscribe, OpTTS, OpEmailAnalyze:
		return true
	}
	return false
}

// Criticality is the per-request hint that forces approval gating.
type Criticality string

const (
	CriticalityLow  Criticality = "low"
	CriticalityMed  Criticality = "med"
	CriticalityHigh Criticality = "high"
)

// OperationRequest is the router's input. Transient; lives for one call.
type OperationRequest struct {
	OpID           string      `json:"op_id"`
	UserID         string      `json:"user_id"`
	OpKind         OpKind      `json:"op_kind"`
	InputTokensEst int         `json:"input_tokens_est"`
	Criticality    Criticality `json:"criticality"`
}

// RoutingDecision is the router's model choice for one operation.
// Immutable after creation.
type RoutingDecision struct {
	ModelID          string            `json:"model_id"`
	ProviderID       string            `json:"provider_id"`
	RequiresApproval bool              `json:"requires_approval"`
	EstimatedCost    registry.MicroUSD `json:"estimated_cost_usd"`
	RationaleTag     string            `json:"rationale_tag"`
}

// OperationRecord is the persisted outcome of a completed or failed
// operation. Written exactly once per operation and linked from a chain
// entry.
type OperationRecord struct {
	OpID         string            `json:"op_id"`
	UserID       string            `json:"user_id"`
	OpKind       OpKind            `json:"op_kind"`
	ModelID      string            `json:"model_id"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	Cost         registry.MicroUSD `json:"cost_usd"`
	LatencyMS    int64             `json:"latency_ms"`
	Success      bool              `json:"success"`
	Cancelled    bool              `json:"cancelled,omitempty"`
	QualityScore *float64          `json:"quality_score,omitempty"`
	Timestamp    time.Time         `json:"ts"`
}
