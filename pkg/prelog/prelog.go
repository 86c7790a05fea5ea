// Package prelog implements the emit-then-act discipline: a consequential
// action may only run after its description is durable on the chain and
// delivered to the webhook sink. If either write fails, the action must
// not happen.
package prelog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/helixos/helix/pkg/chain"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/webhook"
)

// Event describes an action about to run (or just finished).
type Event struct {
	Kind   string         `json:"kind"`
	Actor  string         `json:"actor,omitempty"`
	OpID   string         `json:"op_id,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Logger couples the chain store and webhook sink behind the discipline.
type Logger struct {
	chain  *chain.Store
	sink   *webhook.Sink
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a pre-execution logger.
func New(c *chain.Store, s *webhook.Sink, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{chain: c, sink: s, logger: logger.With("component", "prelog"), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Chain exposes the underlying chain store for read paths.
func (l *Logger) Chain() *chain.Store { return l.chain }

// Pre records the event on the chain and posts it synchronously to the
// given channel. It returns the chain seq on success. Any failure yields
// precondition_unavailable: the caller must abort the pending action.
func (l *Logger) Pre(ctx context.Context, ch webhook.Channel, ev Event) (uint64, error) {
	seq, err := l.chain.Append(ev)
	if err != nil {
		return 0, fault.Wrap(fault.KindPreconditionUnavailable, err, "chain append failed for %q", ev.Kind)
	}
	if err := l.sink.Post(ctx, ch, l.embed(ev, seq)); err != nil {
		// The chain entry stands; the sink gap is itself visible there.
		return 0, fault.Wrap(fault.KindPreconditionUnavailable, err, "sink post failed for %q", ev.Kind)
	}
	return seq, nil
}

// Post records an after-the-fact event: chain append plus fire-and-forget
// sink delivery. A chain failure here is logged, not returned; the action
// already ran and the caller has nothing left to abort.
func (l *Logger) Post(ch webhook.Channel, ev Event) uint64 {
	seq, err := l.chain.Append(ev)
	if err != nil {
		l.logger.Error("post-execution chain append failed", "kind", ev.Kind, "error", err)
		return 0
	}
	l.sink.Enqueue(ch, l.embed(ev, seq))
	return seq
}

func (l *Logger) embed(ev Event, seq uint64) webhook.Embed {
	fields := []webhook.Field{
		{Name: "seq", Value: fmt.Sprintf("%d", seq), Inline: true},
	}
	if ev.Actor != "" {
		fields = append(fields, webhook.Field{Name: "actor", Value: ev.Actor, Inline: true})
	}
	if ev.OpID != "" {
		fields = append(fields, webhook.Field{Name: "op_id", Value: ev.OpID, Inline: true})
	}
	for k, v := range ev.Detail {
		fields = append(fields, webhook.Field{Name: k, Value: fmt.Sprintf("%v", v)})
	}
	color := webhook.ColorInfo
	switch ev.Kind {
	case "denied", "config_refused", "integrity_failed", "escalation_blocked":
		color = webhook.ColorCritical
	case "approval_requested":
		color = webhook.ColorWarning
	}
	return webhook.Embed{
		Title:     ev.Kind,
		Color:     color,
		Fields:    fields,
		Timestamp: l.clock().UTC().Format(time.RFC3339),
	}
}
