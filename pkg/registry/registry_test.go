package registry_test

import (
	"testing"

	"github.com/helixos/helix/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatesFilterByCapabilityAndHealth(t *testing.T) {
	r := registry.NewWithDefaults()

	chat := r.Candidates(registry.CapChat)
	require.NotEmpty(t, chat)
	for _, d := range chat {
		assert.True(t, d.HasCapability(registry.CapChat))
		assert.NotEqual(t, registry.HealthDown, d.Health)
	}

	r.MarkDown(chat[0].ModelID)
	after := r.Candidates(registry.CapChat)
	assert.Len(t, after, len(chat)-1)
	for _, d := range after {
		assert.NotEqual(t, chat[0].ModelID, d.ModelID)
	}
}

func TestCandidatesStableOrder(t *testing.T) {
	r := registry.NewWithDefaults()
	a := r.Candidates(registry.CapChat)
	b := r.Candidates(registry.CapChat)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ModelID, b[i].ModelID)
	}
	for i := 1; i < len(a); i++ {
		assert.Less(t, a[i-1].ModelID, a[i].ModelID)
	}
}

func TestDegradedStaysRoutable(t *testing.T) {
	r := registry.NewWithDefaults()
	r.MarkDegraded("gpt-4o-mini")

	found := false
	for _, d := range r.Candidates(registry.CapChat) {
		if d.ModelID == "gpt-4o-mini" {
			found = true
			assert.Equal(t, registry.HealthDegraded, d.Health)
		}
	}
	assert.True(t, found)
}

func TestLoadOverridesReplacesPricing(t *testing.T) {
	r := registry.NewWithDefaults()
	raw := []byte(`
models:
  - model_id: gpt-4o-mini
    provider_id: openai
    price_in_per_1k: 100
    price_out_per_1k: 400
    context_window: 128000
    capability_tags: [chat]
`)
	require.NoError(t, r.LoadOverrides(raw))

	d, err := r.Get("gpt-4o-mini")
	require.NoError(t, err)
	assert.EqualValues(t, 100, d.PriceInPer1K)
	assert.EqualValues(t, 400, d.PriceOutPer1K)
	assert.Equal(t, registry.HealthUp, d.Health)
}

func TestLoadOverridesRejectsMissingIDs(t *testing.T) {
	r := registry.New()
	assert.Error(t, r.LoadOverrides([]byte("models:\n  - price_in_per_1k: 1\n")))
}

func TestMicroUSDConversions(t *testing.T) {
	assert.Equal(t, registry.MicroUSD(5_160), registry.FromUSD(0.00516))
	assert.InDelta(t, 0.00516, registry.MicroUSD(5_160).USD(), 1e-9)
}
