package configguard_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/helixos/helix/pkg/chain"
	"github.com/helixos/helix/pkg/configguard"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T) (*configguard.Guard, *chain.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	store := chain.NewMemory()
	sink := webhook.NewSink(map[webhook.Channel]string{}, nil)
	t.Cleanup(sink.Close)
	audit := prelog.New(store, sink, nil)

	g, err := configguard.New([]byte("master-key-material"), path, audit)
	require.NoError(t, err)
	return g, store, path
}

func chainEvents(t *testing.T, store *chain.Store) []prelog.Event {
	t.Helper()
	var out []prelog.Event
	it := store.Stream(0)
	for {
		e, ok := it.Next()
		if !ok {
			return out
		}
		var ev prelog.Event
		require.NoError(t, json.Unmarshal(e.Payload, &ev))
		out = append(out, ev)
	}
}

func TestPlainKeyRoundTrip(t *testing.T) {
	g, _, _ := newGuard(t)
	require.NoError(t, g.Set(context.Background(), "theme", "dark", "", "u1"))

	v, ok := g.Get("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", v)
}

func TestProtectedKeyWithoutReasonRefused(t *testing.T) {
	g, store, _ := newGuard(t)

	err := g.Set(context.Background(), "apiKey", "new-secret", "", "u1")
	require.Error(t, err)
	assert.Equal(t, fault.KindConfigRefused, fault.KindOf(err))

	_, ok := g.Get("apiKey")
	assert.False(t, ok, "refused change must not materialize")

	events := chainEvents(t, store)
	require.Len(t, events, 1)
	assert.Equal(t, "config_refused", events[0].Kind)
	assert.Equal(t, "apiKey", events[0].Detail["key"])
}

func TestProtectedKeyChangeIsChainedBeforeFlip(t *testing.T) {
	g, store, _ := newGuard(t)

	require.NoError(t, g.Set(context.Background(), "gatewayToken", "tok-1", "rotation", "admin"))

	events := chainEvents(t, store)
	require.Len(t, events, 1)
	assert.Equal(t, "config_change", events[0].Kind)
	assert.Equal(t, "gatewayToken", events[0].Detail["key"])
	assert.Equal(t, "rotation", events[0].Detail["reason"])
	assert.Equal(t, "empty", events[0].Detail["old_hash"])
	assert.NotEqual(t, "empty", events[0].Detail["new_hash"])

	v, ok := g.Get("gatewayToken")
	require.True(t, ok)
	assert.Equal(t, "tok-1", v)
}

func TestProtectedValueEncryptedAtRest(t *testing.T) {
	g, _, path := newGuard(t)
	require.NoError(t, g.Set(context.Background(), "secretKey", "super-secret-value", "initial", "admin"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")
	assert.True(t, strings.Contains(string(raw), "secretKey"))
}

func TestReloadDecryptsProtectedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	master := []byte("master-key-material")

	g1, err := configguard.New(master, path, nil)
	require.NoError(t, err)
	require.NoError(t, g1.Set(context.Background(), "credentials", "user:pass", "seed", "admin"))
	require.NoError(t, g1.Set(context.Background(), "theme", "light", "", "u1"))

	g2, err := configguard.New(master, path, nil)
	require.NoError(t, err)

	v, ok := g2.Get("credentials")
	require.True(t, ok)
	assert.Equal(t, "user:pass", v)
	v, ok = g2.Get("theme")
	require.True(t, ok)
	assert.Equal(t, "light", v)
}

func TestWrongMasterKeyFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	g1, err := configguard.New([]byte("key-one"), path, nil)
	require.NoError(t, err)
	require.NoError(t, g1.Set(context.Background(), "privateKey", "pem-bytes", "seed", "admin"))

	_, err = configguard.New([]byte("key-two"), path, nil)
	assert.Error(t, err)
}

func TestSnapshotIsACopy(t *testing.T) {
	g, _, _ := newGuard(t)
	require.NoError(t, g.Set(context.Background(), "theme", "dark", "", "u1"))

	snap := g.Snapshot()
	snap["theme"] = "mutated"

	v, _ := g.Get("theme")
	assert.Equal(t, "dark", v)
}

func TestProtectExtendsSet(t *testing.T) {
	g, _, _ := newGuard(t)
	g.Protect("webhookSecret")
	assert.True(t, g.IsProtected("webhookSecret"))

	err := g.Set(context.Background(), "webhookSecret", "v", "", "u1")
	require.Error(t, err)
	assert.Equal(t, fault.KindConfigRefused, fault.KindOf(err))
}
