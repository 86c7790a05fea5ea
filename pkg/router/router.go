// Package router orchestrates one AI operation end to end: model
// selection, cost estimation, rate limiting, budget and approval gating,
// pre-execution logging, adapter invocation, and usage accounting.
//
// Ordering is deliberate. Rate limit precedes budget (cheap fast-fail),
// budget precedes approval (no point approving a denied op), and the
// pre-execution log is the last step before invocation so the chain entry
// means "we are about to do exactly this".
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helixos/helix/pkg/approval"
	"github.com/helixos/helix/pkg/contracts"
	"github.com/helixos/helix/pkg/cost"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/provider"
	"github.com/helixos/helix/pkg/ratelimit"
	"github.com/helixos/helix/pkg/registry"
	"github.com/helixos/helix/pkg/webhook"
)

// Result is a successful router call.
type Result struct {
	Text   string
	Record contracts.OperationRecord
}

// Options tune per-deployment policy.
type Options struct {
	// ApprovalThreshold returns the estimated-cost ceiling above which a
	// user's operations require approval.
	ApprovalThreshold func(userID string) registry.MicroUSD
	// RetryCountsAgainstLimit controls whether the single alternate-model
	// retry consumes a rate-limit attempt. Off by default.
	RetryCountsAgainstLimit bool
}

// Router executes operations.
type Router struct {
	registry *registry.Registry
	adapters provider.Registry
	tracker  *cost.Tracker
	gate     *approval.Gate
	limiter  *ratelimit.Limiter
	audit    *prelog.Logger
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time
}

// New wires a router from its collaborators.
func New(reg *registry.Registry, adapters provider.Registry, tracker *cost.Tracker,
	gate *approval.Gate, limiter *ratelimit.Limiter, audit *prelog.Logger,
	opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ApprovalThreshold == nil {
		defaultThreshold := registry.FromUSD(0.50)
		opts.ApprovalThreshold = func(string) registry.MicroUSD { return defaultThreshold }
	}
	return &Router{
		registry: reg,
		adapters: adapters,
		tracker:  tracker,
		gate:     gate,
		limiter:  limiter,
		audit:    audit,
		opts:     opts,
		logger:   logger.With("component", "router"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// ExpectedOutputTokens is the per-kind output estimate used for pricing.
// Length-dependent kinds scale with the input estimate.
func ExpectedOutputTokens(kind contracts.OpKind, inputTokensEst int) int {
	switch kind {
	case contracts.OpChat:
		return 400
	case contracts.OpMemorySynthesis:
		return 800
	case contracts.OpSentiment:
		return 64
	case contracts.OpAgentExec:
		return 1024
	case contracts.OpVideoUnderstand:
		return 500
	case contracts.OpAudioTranscribe:
		// ~100 input tokens and ~150 output tokens per minute of audio.
		return inputTokensEst * 3 / 2
	case contracts.OpTTS:
		return 100
	case contracts.OpEmailAnalyze:
		return 500
	}
	return 400
}

// safetyMargin widens an estimate by 20% for budget and approval checks.
func safetyMargin(c registry.MicroUSD) registry.MicroUSD {
	return c + c/5
}

// adapterTimeout returns the invocation deadline for an op kind.
func adapterTimeout(kind contracts.OpKind) time.Duration {
	switch kind {
	case contracts.OpVideoUnderstand, contracts.OpAudioTranscribe, contracts.OpTTS:
		return 120 * time.Second
	}
	return 30 * time.Second
}

// contextReserve is headroom demanded beyond the input estimate when
// matching a model's context window.
const contextReserve = 512

// Decide runs selection and estimation without executing: steps 1-3.
func (r *Router) Decide(req contracts.OperationRequest) (contracts.RoutingDecision, error) {
	if !req.OpKind.Valid() {
		return contracts.RoutingDecision{}, fault.New(fault.KindModelUnavailable, "unknown op kind %q", req.OpKind)
	}

	candidates := r.candidates(req, nil)
	if len(candidates) == 0 {
		return contracts.RoutingDecision{}, fault.New(fault.KindModelUnavailable,
			"no healthy model serves %s with %d input tokens", req.OpKind, req.InputTokensEst)
	}

	chosen := candidates[0]
	est := cost.Estimate(chosen, req.InputTokensEst, ExpectedOutputTokens(req.OpKind, req.InputTokensEst))
	requiresApproval := req.Criticality == contracts.CriticalityHigh ||
		safetyMargin(est) > r.opts.ApprovalThreshold(req.UserID)

	rationale := "cheapest-fit"
	if req.Criticality == contracts.CriticalityHigh {
		rationale = "cheapest-fit+critical"
	}
	return contracts.RoutingDecision{
		ModelID:          chosen.ModelID,
		ProviderID:       chosen.ProviderID,
		RequiresApproval: requiresApproval,
		EstimatedCost:    est,
		RationaleTag:     rationale,
	}, nil
}

// candidates returns fitting descriptors cheapest-first, excluding ids in skip.
func (r *Router) candidates(req contracts.OperationRequest, skip map[string]bool) []registry.ModelDescriptor {
	expectedOut := ExpectedOutputTokens(req.OpKind, req.InputTokensEst)
	all := r.registry.Candidates(string(req.OpKind))

	var fitting []registry.ModelDescriptor
	for _, d := range all {
		if skip[d.ModelID] {
			continue
		}
		if d.ContextWindow < req.InputTokensEst+contextReserve {
			continue
		}
		fitting = append(fitting, d)
	}

	// Cheapest estimated cost first; ties by output price, then the
	// already-stable model id order from the registry.
	sortStable(fitting, func(a, b registry.ModelDescriptor) bool {
		ca := cost.Estimate(a, req.InputTokensEst, expectedOut)
		cb := cost.Estimate(b, req.InputTokensEst, expectedOut)
		if ca != cb {
			return ca < cb
		}
		return a.PriceOutPer1K < b.PriceOutPer1K
	})
	return fitting
}

// Execute runs the full operation pipeline over the given input messages.
func (r *Router) Execute(ctx context.Context, req contracts.OperationRequest, messages []provider.Message) (*Result, error) {
	decision, err := r.Decide(req)
	if err != nil {
		return nil, err
	}

	// Step 4: rate limit. Cheap fast-fail before any money is discussed.
	rl, err := r.limiter.RecordAttempt(ctx, req.UserID)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "rate limiter unavailable")
	}
	if !rl.Allowed {
		return nil, fault.New(fault.KindRateLimited, "operation rate limited").
			WithRetryAfter(rl.RetryAfter)
	}

	// Step 5: budget, with the safety margin on the estimate.
	if err := r.tracker.CheckBudget(ctx, req.UserID, safetyMargin(decision.EstimatedCost)); err != nil {
		var ex *cost.ExceededError
		if errors.As(err, &ex) {
			r.audit.Post(webhook.ChannelAPI, prelog.Event{
				Kind: "denied", Actor: req.UserID, OpID: req.OpID,
				Detail: map[string]any{"reason": "budget", "window": string(ex.Window), "est_cost": decision.EstimatedCost.USD()},
			})
			return nil, fault.Wrap(fault.KindBudgetExceeded, err, "budget exhausted for %s window", ex.Window)
		}
		return nil, fault.Wrap(fault.KindBudgetExceeded, err, "budget check failed closed")
	}

	// Step 6: approval.
	if decision.RequiresApproval {
		summary := fmt.Sprintf("%s via %s (est %.6f USD)", req.OpKind, decision.ModelID, decision.EstimatedCost.USD())
		areq, done, err := r.gate.Submit(req.UserID, req.OpID, summary, decision.EstimatedCost)
		if err != nil {
			return nil, fault.Wrap(fault.KindFatal, err, "approval submit failed")
		}
		outcome := r.gate.Await(ctx, areq.ReqID, done)
		switch outcome.Status {
		case approval.StatusApproved:
			// proceed
		case approval.StatusDenied:
			return nil, fault.New(fault.KindApprovalDenied, "operation denied").
				WithDetail("decider", outcome.Decider).WithDetail("reason", outcome.Reason)
		default:
			return nil, fault.New(fault.KindApprovalTimeout, "approval expired")
		}
	}

	// Step 7: pre-execution log. Nothing of consequence before this point;
	// everything after it must be accounted for.
	if _, err := r.audit.Pre(ctx, webhook.ChannelAPI, prelog.Event{
		Kind: "api_request", Actor: req.UserID, OpID: req.OpID,
		Detail: map[string]any{
			"op_kind":  string(req.OpKind),
			"model_id": decision.ModelID,
			"est_cost": decision.EstimatedCost.USD(),
		},
	}); err != nil {
		return nil, err
	}

	// Steps 8-10. A cancellation from here on no longer stops the action;
	// it is recorded in the outcome instead.
	return r.invokeAndRecord(ctx, req, decision, messages)
}

func (r *Router) invokeAndRecord(ctx context.Context, req contracts.OperationRequest, decision contracts.RoutingDecision, messages []provider.Message) (*Result, error) {
	started := r.clock()

	res, usedModel, invokeErr := r.invokeWithRetry(ctx, req, decision, messages)

	latency := r.clock().Sub(started).Milliseconds()
	if latency <= 0 {
		latency = 1
	}
	cancelled := ctx.Err() != nil

	rec := contracts.OperationRecord{
		OpID:      req.OpID,
		UserID:    req.UserID,
		OpKind:    req.OpKind,
		ModelID:   usedModel.ModelID,
		LatencyMS: latency,
		Cancelled: cancelled,
		Timestamp: r.clock().UTC(),
	}

	if invokeErr != nil {
		rec.Success = false
		_ = r.tracker.Record(context.WithoutCancel(ctx), rec)
		r.audit.Post(webhook.ChannelAPI, prelog.Event{
			Kind: "api_failure", Actor: req.UserID, OpID: req.OpID,
			Detail: map[string]any{"model_id": usedModel.ModelID, "error": fault.KindOf(invokeErr)},
		})
		return nil, invokeErr
	}

	rec.Success = true
	rec.InputTokens = res.InputTokens
	rec.OutputTokens = res.OutputTokens
	rec.Cost = cost.Estimate(usedModel, res.InputTokens, res.OutputTokens)

	_ = r.tracker.Record(context.WithoutCancel(ctx), rec)
	r.audit.Post(webhook.ChannelAPI, prelog.Event{
		Kind: "api_response", Actor: req.UserID, OpID: req.OpID,
		Detail: map[string]any{
			"model_id":      usedModel.ModelID,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
			"cost_usd":      rec.Cost.USD(),
			"latency_ms":    latency,
			"cancelled":     cancelled,
		},
	})

	return &Result{Text: res.Text, Record: rec}, nil
}

// invokeWithRetry calls the chosen adapter and, on an unavailable upstream,
// retries exactly once against the next-cheapest alternate of the same
// capability. Both attempts leave chain entries.
func (r *Router) invokeWithRetry(ctx context.Context, req contracts.OperationRequest, decision contracts.RoutingDecision, messages []provider.Message) (*provider.Result, registry.ModelDescriptor, error) {
	primary, err := r.registry.Get(decision.ModelID)
	if err != nil {
		return nil, registry.ModelDescriptor{}, fault.Wrap(fault.KindModelUnavailable, err, "descriptor vanished")
	}

	res, err := r.invokeOne(ctx, req, primary, messages)
	if err == nil {
		return res, primary, nil
	}
	if !fault.Is(err, fault.KindModelUnavailable) {
		return nil, primary, err
	}

	// The upstream failed us: degrade it and look for an alternate.
	r.registry.MarkDegraded(primary.ModelID)

	if r.opts.RetryCountsAgainstLimit {
		rl, lerr := r.limiter.RecordAttempt(ctx, req.UserID)
		if lerr != nil || !rl.Allowed {
			return nil, primary, err
		}
	}

	alternates := r.candidates(req, map[string]bool{primary.ModelID: true})
	if len(alternates) == 0 {
		return nil, primary, err
	}
	alternate := alternates[0]

	if _, perr := r.audit.Pre(ctx, webhook.ChannelAPI, prelog.Event{
		Kind: "api_request_retry", Actor: req.UserID, OpID: req.OpID,
		Detail: map[string]any{"model_id": alternate.ModelID, "failed_model_id": primary.ModelID},
	}); perr != nil {
		return nil, primary, perr
	}

	res, retryErr := r.invokeOne(ctx, req, alternate, messages)
	if retryErr != nil {
		r.registry.MarkDegraded(alternate.ModelID)
		return nil, alternate, retryErr
	}
	return res, alternate, nil
}

func (r *Router) invokeOne(ctx context.Context, req contracts.OperationRequest, d registry.ModelDescriptor, messages []provider.Message) (*provider.Result, error) {
	adapter, ok := r.adapters.For(d.ProviderID)
	if !ok {
		return nil, fault.New(fault.KindModelUnavailable, "no adapter for provider %q", d.ProviderID)
	}

	// Past the pre-execution log the action runs to completion even if the
	// caller goes away; only the per-kind deadline cuts it short.
	invokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adapterTimeout(req.OpKind))
	defer cancel()

	res, err := adapter.Invoke(invokeCtx, d.ModelID, messages, ExpectedOutputTokens(req.OpKind, req.InputTokensEst))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fault.Wrap(fault.KindAdapterTimeout, err, "adapter deadline for %s", d.ModelID)
		case errors.Is(err, provider.ErrUnavailable):
			return nil, fault.Wrap(fault.KindModelUnavailable, err, "upstream for %s unavailable", d.ModelID)
		default:
			return nil, fault.Wrap(fault.KindModelUnavailable, err, "adapter error for %s", d.ModelID)
		}
	}
	return res, nil
}

// sortStable is insertion sort: candidate lists are tiny and the input
// order (stable model id order) must be preserved for ties.
func sortStable(ds []registry.ModelDescriptor, less func(a, b registry.ModelDescriptor) bool) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && less(ds[j], ds[j-1]); j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
}
