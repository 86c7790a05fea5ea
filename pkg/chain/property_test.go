//go:build property
// +build property

package chain_test

import (
	"testing"

	"github.com/helixos/helix/pkg/chain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAdjacentEntriesLink verifies the core chain invariant: for every pair
// of adjacent entries, H(prev.entry_hash || cur.payload_hash || cur.ts)
// equals cur.entry_hash, for arbitrary payload contents.
func TestAdjacentEntriesLink(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("adjacent entries are hash-linked", prop.ForAll(
		func(keys []string, values []string) bool {
			s := chain.NewMemory()
			for i := 0; i < len(keys) && i < len(values); i++ {
				payload := map[string]any{"k": keys[i], "v": values[i], "i": i}
				if _, err := s.Append(payload); err != nil {
					return false
				}
			}

			n := s.Len()
			for seq := uint64(1); seq < n; seq++ {
				prev, err := s.Get(seq - 1)
				if err != nil {
					return false
				}
				cur, err := s.Get(seq)
				if err != nil {
					return false
				}
				if cur.PrevHash != prev.EntryHash {
					return false
				}
				if chain.EntryHash(prev.EntryHash, cur.PayloadHash, cur.Timestamp) != cur.EntryHash {
					return false
				}
			}
			return s.Verify(0, n).OK
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestVerifyAlwaysOKOnFreshLog verifies chain.Verify over a freshly
// produced log returns ok for any sequence of payloads.
func TestVerifyAlwaysOKOnFreshLog(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("fresh chains always verify", prop.ForAll(
		func(payloads []string) bool {
			s := chain.NewMemory()
			for _, p := range payloads {
				if _, err := s.Append(map[string]any{"data": p}); err != nil {
					return false
				}
			}
			return s.Verify(0, s.Len()).OK
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
