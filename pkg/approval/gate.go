// Package approval queues high-impact operations for a human decision.
// Requests resolve to approved, denied, or expired; terminal statuses are
// final, and every decision lands on the audit chain.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/registry"
	"github.com/helixos/helix/pkg/webhook"
)

// Status is an approval request's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// DefaultTimeout is how long a request waits for a decision.
const DefaultTimeout = 15 * time.Minute

// Request is one pending or decided approval.
type Request struct {
	ReqID       string            `json:"req_id"`
	OpID        string            `json:"op_id"`
	UserID      string            `json:"user_id"`
	Summary     string            `json:"summary"`
	Cost        registry.MicroUSD `json:"cost_usd"`
	RequestedAt time.Time         `json:"requested_ts"`
	Status      Status            `json:"status"`
	DecidedAt   *time.Time        `json:"decided_ts,omitempty"`
	Decider     string            `json:"decider,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Outcome is delivered to the awaiting caller when a request resolves.
type Outcome struct {
	Status  Status
	Decider string
	Reason  string
}

// DeciderPolicy reports whether an actor may decide approvals.
// The selection policy is injected; the gate only enforces it.
type DeciderPolicy func(actor string) bool

type pending struct {
	req  Request
	done chan Outcome
}

// Gate is the per-user FIFO of approval requests.
type Gate struct {
	mu        sync.Mutex
	requests  map[string]*pending
	userOrder map[string][]string
	timeout   time.Duration
	canDecide DeciderPolicy
	audit     *prelog.Logger
	clock     func() time.Time
	closed    bool
}

// NewGate creates a gate. audit may be nil in tests.
func NewGate(policy DeciderPolicy, audit *prelog.Logger) *Gate {
	return &Gate{
		requests:  make(map[string]*pending),
		userOrder: make(map[string][]string),
		timeout:   DefaultTimeout,
		canDecide: policy,
		audit:     audit,
		clock:     time.Now,
	}
}

// WithTimeout overrides the decision timeout.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	g.timeout = d
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Submit registers a request and returns it along with the channel that
// resolves when it is decided or expires. The channel receives exactly one
// Outcome.
func (g *Gate) Submit(userID, opID, summary string, cost registry.MicroUSD) (Request, <-chan Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Request{}, nil, fmt.Errorf("approval: gate is shut down")
	}

	p := &pending{
		req: Request{
			ReqID:       uuid.New().String(),
			OpID:        opID,
			UserID:      userID,
			Summary:     summary,
			Cost:        cost,
			RequestedAt: g.clock().UTC(),
			Status:      StatusPending,
		},
		done: make(chan Outcome, 1),
	}
	g.requests[p.req.ReqID] = p
	g.userOrder[userID] = append(g.userOrder[userID], p.req.ReqID)

	g.record("approval_requested", p.req, "", "")
	return p.req, p.done, nil
}

// Await blocks until the request resolves, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both expire the request.
func (g *Gate) Await(ctx context.Context, reqID string, done <-chan Outcome) Outcome {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
		return g.expire(reqID, "timeout")
	case <-ctx.Done():
		return g.expire(reqID, "cancelled")
	}
}

// Decide resolves a pending request. The first decision wins; any later
// decision attempt returns the already-final request unchanged.
func (g *Gate) Decide(reqID string, approve bool, actor, reason string) (Request, error) {
	if g.canDecide != nil && !g.canDecide(actor) {
		return Request{}, fmt.Errorf("approval: actor %q lacks approver role", actor)
	}

	status := StatusDenied
	if approve {
		status = StatusApproved
	}
	return g.resolve(reqID, status, actor, reason)
}

// Get returns the request by id.
func (g *Gate) Get(reqID string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.requests[reqID]
	if !ok {
		return Request{}, fmt.Errorf("approval: request %q not found", reqID)
	}
	return p.req, nil
}

// Pending returns a user's undecided requests in submission order.
func (g *Gate) Pending(userID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, id := range g.userOrder[userID] {
		if p := g.requests[id]; p != nil && p.req.Status == StatusPending {
			out = append(out, p.req)
		}
	}
	return out
}

// Close expires every pending request. Used at shutdown.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	var ids []string
	for id, p := range g.requests {
		if p.req.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	for _, id := range ids {
		_, _ = g.resolve(id, StatusExpired, "", "shutdown")
	}
}

func (g *Gate) expire(reqID, reason string) Outcome {
	req, err := g.resolve(reqID, StatusExpired, "", reason)
	if err != nil {
		// Already decided; report the standing outcome.
		if r, gerr := g.Get(reqID); gerr == nil {
			return Outcome{Status: r.Status, Decider: r.Decider, Reason: r.Reason}
		}
		return Outcome{Status: StatusExpired, Reason: reason}
	}
	return Outcome{Status: req.Status, Reason: reason}
}

func (g *Gate) resolve(reqID string, status Status, actor, reason string) (Request, error) {
	g.mu.Lock()
	p, ok := g.requests[reqID]
	if !ok {
		g.mu.Unlock()
		return Request{}, fmt.Errorf("approval: request %q not found", reqID)
	}
	if p.req.Status != StatusPending {
		req := p.req
		g.mu.Unlock()
		return req, fmt.Errorf("approval: request %q already %s", reqID, req.Status)
	}

	now := g.clock().UTC()
	p.req.Status = status
	p.req.DecidedAt = &now
	p.req.Decider = actor
	p.req.Reason = reason
	req := p.req
	g.mu.Unlock()

	p.done <- Outcome{Status: status, Decider: actor, Reason: reason}

	kind := "approval_" + string(status)
	g.record(kind, req, actor, reason)
	return req, nil
}

func (g *Gate) record(kind string, req Request, actor, reason string) {
	if g.audit == nil {
		return
	}
	detail := map[string]any{
		"req_id":   req.ReqID,
		"summary":  req.Summary,
		"cost_usd": req.Cost.USD(),
		"decision": string(req.Status),
	}
	if reason != "" {
		detail["reason"] = reason
	}
	g.audit.Post(webhook.ChannelCommands, prelog.Event{
		Kind:   kind,
		Actor:  actor,
		OpID:   req.OpID,
		Detail: detail,
	})
}
