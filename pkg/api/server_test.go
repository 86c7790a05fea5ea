package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/helixos/helix/pkg/api"
	"github.com/helixos/helix/pkg/approval"
	"github.com/helixos/helix/pkg/chain"
	"github.com/helixos/helix/pkg/configguard"
	"github.com/helixos/helix/pkg/cost"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/provider"
	"github.com/helixos/helix/pkg/ratelimit"
	"github.com/helixos/helix/pkg/registry"
	"github.com/helixos/helix/pkg/router"
	"github.com/helixos/helix/pkg/store"
	"github.com/helixos/helix/pkg/syncengine"
	"github.com/helixos/helix/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	srv     *httptest.Server
	chain   *chain.Store
	tracker *cost.Tracker
	stub    *provider.StubAdapter
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	chainStore := chain.NewMemory()
	sink := webhook.NewSink(map[webhook.Channel]string{}, nil)
	t.Cleanup(sink.Close)
	audit := prelog.New(chainStore, sink, nil)

	reg := registry.New()
	reg.Register(registry.ModelDescriptor{
		ModelID: "cheap-1", ProviderID: "alpha", PriceInPer1K: 100, PriceOutPer1K: 400,
		ContextWindow: 128_000, Capabilities: []string{registry.CapChat},
	})
	stub := provider.NewStubAdapter()
	tracker := cost.NewTracker(nil, nil)
	gate := approval.NewGate(func(actor string) bool { return actor == "u-admin" }, audit)
	t.Cleanup(gate.Close)
	limiter := ratelimit.New(ratelimit.NewMemoryStore())

	rt := router.New(reg, provider.Registry{"alpha": stub}, tracker, gate, limiter, audit, router.Options{}, nil)

	db, err := store.Open(filepath.Join(t.TempDir(), "helix.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sessions := store.NewSessionStore(db)

	queue, err := syncengine.OpenOfflineQueue(t.TempDir())
	require.NoError(t, err)
	transportA, _ := syncengine.NewPipe()
	engine := syncengine.NewEngine("local", transportA, queue, audit, sessions, nil)
	t.Cleanup(engine.Close)

	guard, err := configguard.New([]byte("master"), filepath.Join(t.TempDir(), "config.json"), audit)
	require.NoError(t, err)

	server := api.NewServer(api.Deps{
		Router:   rt,
		Engine:   engine,
		Sessions: sessions,
		Gate:     gate,
		Guard:    guard,
		Chain:    chainStore,
		Limiter:  ratelimit.New(ratelimit.NewMemoryStore()),
		Token:    "gw-token",
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiHarness{srv: srv, chain: chainStore, tracker: tracker, stub: stub}
}

func (h *apiHarness) call(t *testing.T, method string, params any) (int, api.Envelope) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+"/api/"+method, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env api.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestOpsExecuteSuccess(t *testing.T) {
	h := newAPIHarness(t)
	h.stub.Script("cheap-1", provider.Result{Text: "hi there", InputTokens: 10, OutputTokens: 5, FinishReason: "stop"})

	status, env := h.call(t, "ops.execute", map[string]any{
		"user_id": "u1", "op_kind": "chat", "input_tokens_est": 100,
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)

	data := env.Data.(map[string]any)
	assert.Equal(t, "hi there", data["text"])
}

func TestOpsExecuteBudgetDeniedEnvelope(t *testing.T) {
	h := newAPIHarness(t)
	h.tracker.SetLimits("u1", cost.Limits{Daily: 0, Monthly: 0})

	status, env := h.call(t, "ops.execute", map[string]any{
		"user_id": "u1", "op_kind": "chat", "input_tokens_est": 100,
	})
	assert.Equal(t, http.StatusPaymentRequired, status)
	require.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, fault.KindBudgetExceeded, env.Error.Kind)
}

func TestUnknownOpKindRejected(t *testing.T) {
	h := newAPIHarness(t)
	status, env := h.call(t, "ops.execute", map[string]any{
		"user_id": "u1", "op_kind": "telepathy",
	})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, fault.KindModelUnavailable, env.Error.Kind)
}

func TestSessionLifecycleOverAPI(t *testing.T) {
	h := newAPIHarness(t)

	status, env := h.call(t, "sessions.create", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	sess := env.Data.(map[string]any)
	id := sess["id"].(string)
	assert.Equal(t, "active", sess["status"])

	status, env = h.call(t, "sessions.transfer", map[string]any{
		"session_id": id, "to_origin": "mobile",
	})
	require.Equal(t, http.StatusOK, status)
	moved := env.Data.(map[string]any)
	assert.Equal(t, "transferred", moved["status"])
	assert.Equal(t, "mobile", moved["origin"])
}

func TestConfigSetRefusalEnvelope(t *testing.T) {
	h := newAPIHarness(t)
	status, env := h.call(t, "config.set", map[string]any{
		"key": "apiKey", "value": "new", "reason": "", "actor": "u1",
	})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, fault.KindConfigRefused, env.Error.Kind)
}

func TestChainVerifyOverAPI(t *testing.T) {
	h := newAPIHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.chain.Append(map[string]any{"i": i})
		require.NoError(t, err)
	}

	status, env := h.call(t, "chain.verify", map[string]any{"from": 0, "to": 2})
	require.Equal(t, http.StatusOK, status)
	data := env.Data.(map[string]any)
	assert.Equal(t, true, data["ok"])
}

func TestMemorySearchAndDelete(t *testing.T) {
	h := newAPIHarness(t)

	_, env := h.call(t, "sessions.create", map[string]any{"user_id": "u1"})
	require.True(t, env.OK)

	status, env := h.call(t, "memory.search", map[string]any{"user_id": "u1", "query": "anything"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)

	status, env = h.call(t, "memory.delete", map[string]any{"user_id": "u1", "message_id": "missing"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.False(t, env.OK)
}

func TestUnknownMethodRejected(t *testing.T) {
	h := newAPIHarness(t)
	status, env := h.call(t, "ops.teleport", map[string]any{})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.False(t, env.OK)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApprovalDecideOverAPI(t *testing.T) {
	h := newAPIHarness(t)

	// Drive a high-criticality op in the background so a request queues.
	go func() {
		_, _ = h.call(t, "ops.execute", map[string]any{
			"user_id": "u1", "op_kind": "chat", "input_tokens_est": 100,
			"criticality": "high",
		})
	}()

	// Poll for the pending request via the chain.
	var reqID string
	for i := 0; i < 200 && reqID == ""; i++ {
		time.Sleep(5 * time.Millisecond)
		it := h.chain.Stream(0)
		for {
			e, ok := it.Next()
			if !ok {
				break
			}
			var ev prelog.Event
			_ = json.Unmarshal(e.Payload, &ev)
			if ev.Kind == "approval_requested" {
				reqID = fmt.Sprintf("%v", ev.Detail["req_id"])
			}
		}
	}
	require.NotEmpty(t, reqID)

	status, env := h.call(t, "approval.decide", map[string]any{
		"req_id": reqID, "approve": false, "actor": "u-admin", "reason": "no",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	decided := env.Data.(map[string]any)
	assert.Equal(t, "denied", decided["status"])
}
