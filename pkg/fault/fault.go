// Package fault defines the typed failures surfaced by the runtime.
// Every user-visible error carries a Kind from the fixed set below;
// recoverable kinds also carry a retry hint.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a stable, user-visible failure category.
type Kind string

const (
	KindPreconditionUnavailable Kind = "precondition_unavailable"
	KindRateLimited             Kind = "rate_limited"
	KindBudgetExceeded          Kind = "budget_exceeded"
	KindApprovalDenied          Kind = "approval_denied"
	KindApprovalTimeout         Kind = "approval_timeout"
	KindModelUnavailable        Kind = "model_unavailable"
	KindAdapterTimeout          Kind = "adapter_timeout"
	KindIntegrityFailed         Kind = "integrity_failed"
	KindEscalationBlocked       Kind = "escalation_blocked"
	KindConfigRefused           Kind = "config_refused"
	KindConflictUnresolved      Kind = "conflict_unresolved"
	KindOffline                 Kind = "offline"
	KindFatal                   Kind = "fatal"
)

// Fault is the result type for failed operations.
type Fault struct {
	Kind       Kind           `json:"kind"`
	Message    string         `json:"message"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	wrapped    error
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.wrapped }

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithRetryAfter attaches a retry hint. Returns the same fault for chaining.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	f.RetryAfter = d
	return f
}

// WithDetail attaches a single detail field. Returns the same fault for chaining.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Detail == nil {
		f.Detail = make(map[string]any)
	}
	f.Detail[key] = value
	return f
}

// KindOf extracts the Kind from an error chain. Unknown errors map to KindFatal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// Retryable reports whether the kind is safe to retry after a delay.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindAdapterTimeout, KindModelUnavailable, KindOffline:
		return true
	}
	return false
}
