package supplychain_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/supplychain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier() *supplychain.Verifier {
	return supplychain.NewVerifier(
		[]string{"github.com", "registry.npmjs.org"},
		[]string{"left-pad", "request", "lodash"},
		nil,
	)
}

func TestOriginAllowlist(t *testing.T) {
	v := newVerifier()
	assert.NoError(t, v.CheckOrigin("https://github.com/acme/tool/releases"))
	assert.NoError(t, v.CheckOrigin("https://api.github.com/repos"))

	err := v.CheckOrigin("https://downloads.example.net/tool")
	require.Error(t, err)
	assert.Equal(t, fault.KindIntegrityFailed, fault.KindOf(err))

	assert.Error(t, v.CheckOrigin("not a url"))
}

func TestChecksumMatch(t *testing.T) {
	payload := []byte("artifact bytes")
	sum := sha256.Sum256(payload)
	good := hex.EncodeToString(sum[:])

	assert.NoError(t, supplychain.CheckChecksum(good, payload))
	assert.Error(t, supplychain.CheckChecksum(good, []byte("tampered")))
	assert.Error(t, supplychain.CheckChecksum("deadbeef", payload), "short checksum rejected")
	assert.Error(t, supplychain.CheckChecksum("", payload))
}

func TestSimilarityBoundary(t *testing.T) {
	// Two edits in a 10-rune name (drop a 't', add a '!'): similarity 0.8.
	assert.InDelta(t, 0.8, supplychain.Similarity("leftt-pad!", "left-pad!!"), 0.01)

	// The threshold edges: 0.71 flags, 0.69 does not.
	base := strings.Repeat("a", 100)
	at71 := strings.Repeat("a", 71) + strings.Repeat("b", 29)
	at69 := strings.Repeat("a", 69) + strings.Repeat("b", 31)
	assert.InDelta(t, 0.71, supplychain.Similarity(base, at71), 1e-9)
	assert.GreaterOrEqual(t, supplychain.Similarity(base, at71), supplychain.TyposquatThreshold)
	assert.InDelta(t, 0.69, supplychain.Similarity(base, at69), 1e-9)
	assert.Less(t, supplychain.Similarity(base, at69), supplychain.TyposquatThreshold)

	v := newVerifier()
	name, sim := v.TyposquatMatch("left-pad2")
	assert.Equal(t, "left-pad", name)
	assert.Greater(t, sim, supplychain.TyposquatThreshold)

	_, simFar := v.TyposquatMatch("completely-unrelated")
	assert.Less(t, simFar, supplychain.TyposquatThreshold)
}

func TestVerifyFlagsTyposquat(t *testing.T) {
	v := newVerifier()
	payload := []byte("x")
	sum := sha256.Sum256(payload)

	err := v.Verify(supplychain.Artifact{
		Name:      "lodesh", // 1 edit from lodash: similarity ~0.83
		OriginURL: "https://github.com/acme/pkg",
		Checksum:  hex.EncodeToString(sum[:]),
	}, payload)
	require.Error(t, err)
	assert.Equal(t, fault.KindIntegrityFailed, fault.KindOf(err))
}

func TestVerifyCleanArtifactPasses(t *testing.T) {
	v := newVerifier()
	payload := []byte("clean payload")
	sum := sha256.Sum256(payload)

	assert.NoError(t, v.Verify(supplychain.Artifact{
		Name:      "totally-original-name",
		OriginURL: "https://registry.npmjs.org/totally-original-name",
		Checksum:  hex.EncodeToString(sum[:]),
	}, payload))
}

func TestManifestHashDeterministicAndOrderInsensitive(t *testing.T) {
	entries := map[string]supplychain.ManifestEntry{
		"b.txt": {Checksum: "bb", Size: 2},
		"a.txt": {Checksum: "aa", Size: 1},
		"c.txt": {Checksum: "cc", Size: 3},
	}
	h1, err := supplychain.ManifestHash(entries)
	require.NoError(t, err)

	// Rebuild in a different insertion order.
	entries2 := map[string]supplychain.ManifestEntry{}
	for _, k := range []string{"c.txt", "a.txt", "b.txt"} {
		entries2[k] = entries[k]
	}
	h2, err := supplychain.ManifestHash(entries2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, supplychain.VerifyManifest(entries, h1))

	entries["a.txt"] = supplychain.ManifestEntry{Checksum: "aa", Size: 99}
	assert.Error(t, supplychain.VerifyManifest(entries, h1))
}

func TestDetachedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := supplychain.NewVerifier(nil, nil, pub)

	payload := []byte("release tarball")
	sig := hex.EncodeToString(ed25519.Sign(priv, payload))

	assert.NoError(t, v.VerifyDetachedSignature(payload, sig))
	assert.Error(t, v.VerifyDetachedSignature([]byte("other"), sig))
	assert.Error(t, v.VerifyDetachedSignature(payload, "zz"))
}
