// Package registry holds the static table of model descriptors the router
// selects from. Descriptors are constant apart from their health field,
// which health probes and adapter failures update at runtime.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MicroUSD is a currency amount in millionths of a US dollar. All cost
// arithmetic in the runtime is integer math in this unit; conversion to
// floating dollars happens only at display and storage edges.
type MicroUSD int64

// USD returns the floating-dollar value for display.
func (m MicroUSD) USD() float64 { return float64(m) / 1e6 }

// FromUSD converts a dollar amount to MicroUSD, rounding to the nearest unit.
func FromUSD(usd float64) MicroUSD {
	if usd >= 0 {
		return MicroUSD(usd*1e6 + 0.5)
	}
	return MicroUSD(usd*1e6 - 0.5)
}

// Health is a descriptor's availability state.
type Health string

const (
	HealthUp       Health = "up"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Capability tags mirror the operation kinds a model can serve.
const (
	CapChat            = "chat"
	CapMemorySynthesis = "memory-synthesis"
	CapSentiment       = "sentiment"
	CapAgentExec       = "agent-exec"
	CapVideoUnderstand = "video-understand"
	CapAudioTranscribe = "audio-transcribe"
	CapTTS             = "tts"
	CapEmailAnalyze    = "email-analyze"
)

// ModelDescriptor describes one routable model.
type ModelDescriptor struct {
	ModelID       string   `json:"model_id" yaml:"model_id"`
	ProviderID    string   `json:"provider_id" yaml:"provider_id"`
	PriceInPer1K  MicroUSD `json:"price_in_per_1k" yaml:"price_in_per_1k"`
	PriceOutPer1K MicroUSD `json:"price_out_per_1k" yaml:"price_out_per_1k"`
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	Capabilities  []string `json:"capability_tags" yaml:"capability_tags"`
	Health        Health   `json:"health" yaml:"health"`
}

// HasCapability reports whether the descriptor carries the tag.
func (d *ModelDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Registry is the mutable-health view over the static model table.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*ModelDescriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{models: make(map[string]*ModelDescriptor)}
}

// NewWithDefaults creates a registry loaded with the built-in model table.
func NewWithDefaults() *Registry {
	r := New()
	for _, d := range defaultTable() {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a descriptor. An empty health defaults to up.
func (r *Registry) Register(d ModelDescriptor) {
	if d.Health == "" {
		d.Health = HealthUp
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := d
	r.models[d.ModelID] = &copied
}

// Get returns a copy of the descriptor for modelID.
func (r *Registry) Get(modelID string) (ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[modelID]
	if !ok {
		return ModelDescriptor{}, fmt.Errorf("registry: unknown model %q", modelID)
	}
	return *d, nil
}

// Candidates returns every non-down descriptor carrying the capability tag,
// in stable model_id order.
func (r *Registry) Candidates(capability string) []ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModelDescriptor
	for _, d := range r.models {
		if d.Health == HealthDown || !d.HasCapability(capability) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// SetHealth transitions the descriptor's health state.
func (r *Registry) SetHealth(modelID string, h Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.models[modelID]
	if !ok {
		return fmt.Errorf("registry: unknown model %q", modelID)
	}
	d.Health = h
	return nil
}

// MarkDegraded flags a model after an adapter failure.
func (r *Registry) MarkDegraded(modelID string) { _ = r.SetHealth(modelID, HealthDegraded) }

// MarkDown removes a model from routing until a probe revives it.
func (r *Registry) MarkDown(modelID string) { _ = r.SetHealth(modelID, HealthDown) }

// MarkUp restores a model to full routing.
func (r *Registry) MarkUp(modelID string) { _ = r.SetHealth(modelID, HealthUp) }

// overrideFile is the YAML shape for operator-supplied table overrides.
type overrideFile struct {
	Models []ModelDescriptor `yaml:"models"`
}

// LoadOverrides merges operator-supplied descriptors over the table.
// Descriptors replace any built-in with the same model_id.
func (r *Registry) LoadOverrides(raw []byte) error {
	var f overrideFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("registry: parse overrides: %w", err)
	}
	for _, d := range f.Models {
		if d.ModelID == "" || d.ProviderID == "" {
			return fmt.Errorf("registry: override entry missing model_id or provider_id")
		}
		r.Register(d)
	}
	return nil
}

func defaultTable() []ModelDescriptor {
	return []ModelDescriptor{
		{
			ModelID: "gpt-4o-mini", ProviderID: "openai",
			PriceInPer1K: 150, PriceOutPer1K: 600,
			ContextWindow: 128_000,
			Capabilities:  []string{CapChat, CapSentiment, CapEmailAnalyze, CapMemorySynthesis},
		},
		{
			ModelID: "gpt-4o", ProviderID: "openai",
			PriceInPer1K: 2_500, PriceOutPer1K: 10_000,
			ContextWindow: 128_000,
			Capabilities:  []string{CapChat, CapAgentExec, CapVideoUnderstand, CapEmailAnalyze, CapMemorySynthesis},
		},
		{
			ModelID: "claude-haiku", ProviderID: "anthropic",
			PriceInPer1K: 250, PriceOutPer1K: 1_250,
			ContextWindow: 200_000,
			Capabilities:  []string{CapChat, CapSentiment, CapEmailAnalyze, CapMemorySynthesis},
		},
		{
			ModelID: "claude-sonnet", ProviderID: "anthropic",
			PriceInPer1K: 3_000, PriceOutPer1K: 15_000,
			ContextWindow: 200_000,
			Capabilities:  []string{CapChat, CapAgentExec, CapVideoUnderstand, CapMemorySynthesis},
		},
		{
			ModelID: "whisper-1", ProviderID: "openai",
			PriceInPer1K: 100, PriceOutPer1K: 0,
			ContextWindow: 32_000,
			Capabilities:  []string{CapAudioTranscribe},
		},
		{
			ModelID: "tts-1", ProviderID: "openai",
			PriceInPer1K: 15_000, PriceOutPer1K: 0,
			ContextWindow: 4_096,
			Capabilities:  []string{CapTTS},
		},
		{
			ModelID: "llama-8b-local", ProviderID: "local",
			PriceInPer1K: 0, PriceOutPer1K: 0,
			ContextWindow: 8_192,
			Capabilities:  []string{CapChat, CapSentiment},
		},
	}
}
