package prelog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/helixos/helix/pkg/chain"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreAppendsBeforePosting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := chain.NewMemory()
	sink := webhook.NewSink(map[webhook.Channel]string{webhook.ChannelAPI: srv.URL}, nil)
	defer sink.Close()

	l := prelog.New(store, sink, nil)
	seq, err := l.Pre(context.Background(), webhook.ChannelAPI, prelog.Event{
		Kind: "api_request", Actor: "u1", OpID: "op-1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	e, err := store.Get(0)
	require.NoError(t, err)
	var ev prelog.Event
	require.NoError(t, json.Unmarshal(e.Payload, &ev))
	assert.Equal(t, "api_request", ev.Kind)
	assert.Equal(t, "u1", ev.Actor)
}

func TestPreFailsClosedOnSinkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := chain.NewMemory()
	sink := webhook.NewSink(map[webhook.Channel]string{webhook.ChannelAPI: srv.URL}, nil)
	defer sink.Close()

	l := prelog.New(store, sink, nil)
	_, err := l.Pre(context.Background(), webhook.ChannelAPI, prelog.Event{Kind: "api_request"})
	require.Error(t, err)
	assert.Equal(t, fault.KindPreconditionUnavailable, fault.KindOf(err))

	// The chain entry exists even though the sink failed: the gap between
	// chain and sink is itself the tamper signal.
	assert.Equal(t, uint64(1), store.Len())
}

func TestPostIsBestEffort(t *testing.T) {
	store := chain.NewMemory()
	sink := webhook.NewSink(map[webhook.Channel]string{}, nil)
	defer sink.Close()

	l := prelog.New(store, sink, nil)
	seq := l.Post(webhook.ChannelAPI, prelog.Event{Kind: "api_response", OpID: "op-1"})
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, uint64(1), store.Len())
}
