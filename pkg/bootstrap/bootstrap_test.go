package bootstrap_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/helixos/helix/pkg/bootstrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeBasePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestDiscoverPortPrefersPrimary(t *testing.T) {
	base := freeBasePort(t)
	port, l, err := bootstrap.DiscoverPort("127.0.0.1", base)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, base, port)
}

func TestDiscoverPortSkipsBusyPrimary(t *testing.T) {
	base := freeBasePort(t)
	busy, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	require.NoError(t, err)
	defer busy.Close()

	port, l, err := bootstrap.DiscoverPort("127.0.0.1", base)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, base+1, port)
}

func TestDiscoverPortExhausted(t *testing.T) {
	base := freeBasePort(t)
	var held []net.Listener
	for i := 0; i < bootstrap.PortProbeSpan; i++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
		if err != nil {
			t.Skipf("port %d unavailable to the test itself", base+i)
		}
		held = append(held, l)
	}
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	_, _, err := bootstrap.DiscoverPort("127.0.0.1", base)
	require.Error(t, err)
	assert.ErrorIs(t, err, bootstrap.ErrPortExhausted)
}

func TestSequenceStartsInOrderStopsInReverse(t *testing.T) {
	var order []string
	s := bootstrap.NewSequence(nil)
	for _, name := range []string{"announce", "heartbeat", "config", "gateway"} {
		n := name
		s.Add(n,
			func(context.Context) error { order = append(order, "start:"+n); return nil },
			func() { order = append(order, "stop:"+n) })
	}

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"announce", "heartbeat", "config", "gateway"}, s.StartedSteps())

	s.Shutdown()
	assert.Equal(t, []string{
		"start:announce", "start:heartbeat", "start:config", "start:gateway",
		"stop:gateway", "stop:config", "stop:heartbeat", "stop:announce",
	}, order)

	// Idempotent.
	s.Shutdown()
	assert.Len(t, order, 8)
}

func TestSequenceUnwindsOnFailure(t *testing.T) {
	var order []string
	s := bootstrap.NewSequence(nil)
	s.Add("one", func(context.Context) error { order = append(order, "start:one"); return nil },
		func() { order = append(order, "stop:one") })
	s.Add("two", func(context.Context) error { return errors.New("boom") },
		func() { order = append(order, "stop:two") })
	s.Add("three", func(context.Context) error { order = append(order, "start:three"); return nil }, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"start:one", "stop:one"}, order)
}
