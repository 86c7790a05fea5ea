// Package bootstrap runs the deterministic startup sequence and its
// mirror-image shutdown. Subsystems register in order; a failed start
// unwinds the already-started prefix; shutdown stops everything in
// reverse and ends with the final offline event.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// PortProbeSpan is how many ports beyond the primary are probed.
const PortProbeSpan = 10

// ErrPortExhausted means the primary and all fallback ports are busy.
// The launcher maps it to exit code 2.
var ErrPortExhausted = errors.New("bootstrap: no free gateway port")

// DiscoverPort probes primary, then primary+1 through primary+9, and
// returns the first port it can bind along with the live listener.
// Returning the listener (rather than closing and re-binding) avoids the
// race where another process grabs the port between probe and use.
func DiscoverPort(host string, primary int) (int, net.Listener, error) {
	for offset := 0; offset < PortProbeSpan; offset++ {
		port := primary + offset
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return port, l, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: tried %d-%d on %s", ErrPortExhausted, primary, primary+PortProbeSpan-1, host)
}

// Step is one ordered subsystem.
type Step struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func()
}

// Sequence runs steps in registration order and stops them in reverse.
type Sequence struct {
	logger  *slog.Logger
	steps   []Step
	started []Step
}

// NewSequence creates an empty sequence.
func NewSequence(logger *slog.Logger) *Sequence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequence{logger: logger.With("component", "bootstrap")}
}

// Add registers a step. Either function may be nil.
func (s *Sequence) Add(name string, start func(ctx context.Context) error, stop func()) {
	s.steps = append(s.steps, Step{Name: name, Start: start, Stop: stop})
}

// Start runs every step in order. On failure the already-started prefix
// is stopped in reverse before the error returns.
func (s *Sequence) Start(ctx context.Context) error {
	for _, step := range s.steps {
		s.logger.Info("starting", "step", step.Name)
		if step.Start != nil {
			if err := step.Start(ctx); err != nil {
				s.logger.Error("start failed, unwinding", "step", step.Name, "error", err)
				s.Shutdown()
				return fmt.Errorf("bootstrap: %s: %w", step.Name, err)
			}
		}
		s.started = append(s.started, step)
	}
	return nil
}

// Shutdown stops started steps in reverse order. Idempotent.
func (s *Sequence) Shutdown() {
	for i := len(s.started) - 1; i >= 0; i-- {
		step := s.started[i]
		s.logger.Info("stopping", "step", step.Name)
		if step.Stop != nil {
			step.Stop()
		}
	}
	s.started = nil
}

// StartedSteps returns the names of currently started steps, in order.
func (s *Sequence) StartedSteps() []string {
	out := make([]string, len(s.started))
	for i, st := range s.started {
		out[i] = st.Name
	}
	return out
}
