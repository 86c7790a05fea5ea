// Package provider defines the uniform adapter interface between the router
// and external model vendors. Selection policy is never an adapter concern;
// an adapter only turns (model, messages, limits) into (text, usage).
package provider

import (
	"context"
	"errors"
)

// ErrUnavailable marks a vendor-side failure (5xx, connection refused).
// The router classifies it as model_unavailable and may retry an alternate.
var ErrUnavailable = errors.New("provider: upstream unavailable")

// Message is one turn of conversation input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is what an adapter returns on success.
type Result struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// Adapter is implemented once per provider wire protocol.
type Adapter interface {
	Invoke(ctx context.Context, modelID string, messages []Message, maxOutputTokens int) (*Result, error)
}

// Registry maps provider ids to adapters.
type Registry map[string]Adapter

// For returns the adapter for a provider id.
func (r Registry) For(providerID string) (Adapter, bool) {
	a, ok := r[providerID]
	return a, ok
}
