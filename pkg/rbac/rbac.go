// Package rbac enforces the role ladder and detects privilege-escalation
// patterns. Roles are strictly ordered; a higher role subsumes the
// capabilities of every lower role. Scopes never merge across grants.
package rbac

import (
	"regexp"
	"sync"

	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/webhook"
)

// Role is a rung on the ladder.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     0,
	RoleOperator: 1,
	RoleApprover: 2,
	RoleAdmin:    3,
}

// AtLeast reports whether r sits at or above other on the ladder.
func (r Role) AtLeast(other Role) bool {
	ra, ok := roleRank[r]
	rb, ok2 := roleRank[other]
	return ok && ok2 && ra >= rb
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Grant assigns a role and scopes to a user. A user may hold several
// grants; each grant's scopes stand alone.
type Grant struct {
	UserID string   `json:"user_id"`
	Role   Role     `json:"role"`
	Scopes []string `json:"scopes"`
}

// roleCapabilities are each role's own capabilities. The effective set is
// the union down the ladder.
var roleCapabilities = map[Role][]string{
	RoleUser:     {"ops:execute", "sessions:use", "memory:read"},
	RoleOperator: {"sessions:manage", "memory:write", "config:read"},
	RoleApprover: {"approvals:decide"},
	RoleAdmin:    {"config:write", "roles:grant", "tools:dangerous"},
}

// dangerousToolRe matches tool names only admins may run.
var dangerousToolRe = regexp.MustCompile(`(?i)\b(exec|shell|eval|compile)\b`)

// gatewayHostTarget is a known exploit pattern: skills attempting to run
// on the gateway host itself rather than inside a container.
const gatewayHostTarget = "gateway-host"

// ExecCheck describes an execution attempt to screen.
type ExecCheck struct {
	Tool         string   // tool name being invoked
	Target       string   // execution target: container id or host alias
	Container    string   // the configured container id ("" = none configured)
	Capabilities []string // capabilities the request claims to need
}

// Enforcer holds grants and screens requests.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]Grant
	audit  *prelog.Logger
}

// NewEnforcer creates an empty enforcer. audit may be nil in tests.
func NewEnforcer(audit *prelog.Logger) *Enforcer {
	return &Enforcer{grants: make(map[string][]Grant), audit: audit}
}

// AddGrant records a grant for a user.
func (e *Enforcer) AddGrant(g Grant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants[g.UserID] = append(e.grants[g.UserID], g)
}

// RoleOf returns the user's highest role, or RoleUser when ungranted.
func (e *Enforcer) RoleOf(userID string) Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	best := RoleUser
	for _, g := range e.grants[userID] {
		if g.Role.AtLeast(best) {
			best = g.Role
		}
	}
	return best
}

// Capabilities returns the user's effective capability set: the union of
// the highest role's own capabilities and every role below it.
func (e *Enforcer) Capabilities(userID string) map[string]bool {
	top := e.RoleOf(userID)
	caps := make(map[string]bool)
	for role, list := range roleCapabilities {
		if top.AtLeast(role) {
			for _, c := range list {
				caps[c] = true
			}
		}
	}
	return caps
}

// HasCapability reports whether the user's effective set carries cap.
func (e *Enforcer) HasCapability(userID, cap string) bool {
	return e.Capabilities(userID)[cap]
}

// ScopesSatisfied reports whether a single grant of the user covers every
// required scope. Scopes are deliberately not merged across grants.
func (e *Enforcer) ScopesSatisfied(userID string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, g := range e.grants[userID] {
		have := make(map[string]bool, len(g.Scopes))
		for _, s := range g.Scopes {
			have[s] = true
		}
		all := true
		for _, r := range required {
			if !have[r] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// CheckExec screens an execution attempt against the escalation detectors.
// Any flag is recorded as a high-severity chain entry and blocks the
// request.
func (e *Enforcer) CheckExec(userID string, check ExecCheck) error {
	role := e.RoleOf(userID)
	caps := e.Capabilities(userID)

	if reason := e.detect(role, caps, check); reason != "" {
		e.flag(userID, reason, check)
		return fault.New(fault.KindEscalationBlocked, "%s", reason).
			WithDetail("tool", check.Tool).WithDetail("target", check.Target)
	}
	return nil
}

func (e *Enforcer) detect(role Role, caps map[string]bool, check ExecCheck) string {
	// (a) capability not in the user's effective set.
	for _, c := range check.Capabilities {
		if !caps[c] {
			return "illegal capability addition: " + c
		}
	}

	// (b) dangerous tool below admin.
	if dangerousToolRe.MatchString(check.Tool) && !role.AtLeast(RoleAdmin) {
		return "dangerous tool requires admin: " + check.Tool
	}

	// (c) execution outside the configured container below admin.
	if check.Target != "" && check.Target != check.Container &&
		check.Target != gatewayHostTarget && !role.AtLeast(RoleAdmin) {
		return "execution outside configured container: " + check.Target
	}

	// (d) gateway-host targets are a known exploit pattern, blocked for
	// every role.
	if check.Target == gatewayHostTarget {
		return "gateway-host execution target"
	}

	return ""
}

func (e *Enforcer) flag(userID, reason string, check ExecCheck) {
	if e.audit == nil {
		return
	}
	e.audit.Post(webhook.ChannelAlerts, prelog.Event{
		Kind:  "escalation_blocked",
		Actor: userID,
		Detail: map[string]any{
			"severity": "high",
			"reason":   reason,
			"tool":     check.Tool,
			"target":   check.Target,
		},
	})
}
