// Package api exposes the local gateway: a JSON-over-HTTP method surface
// plus the websocket endpoints for operation streaming and session sync.
// Every response uses the {ok, data?, error?} envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/helixos/helix/pkg/approval"
	"github.com/helixos/helix/pkg/chain"
	"github.com/helixos/helix/pkg/configguard"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/gateauth"
	"github.com/helixos/helix/pkg/observability"
	"github.com/helixos/helix/pkg/ratelimit"
	"github.com/helixos/helix/pkg/router"
	"github.com/helixos/helix/pkg/store"
	"github.com/helixos/helix/pkg/syncengine"
)

// Envelope is the uniform response shape.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the wire form of a fault.
type ErrorBody struct {
	Kind       fault.Kind `json:"kind"`
	Message    string     `json:"message"`
	RetryAfter *int64     `json:"retry_after,omitempty"` // milliseconds
	Detail     any        `json:"detail,omitempty"`
}

// Server wires the gateway surface over the runtime's subsystems.
type Server struct {
	router     *router.Router
	engine     *syncengine.Engine
	sessions   *store.SessionStore
	gate       *approval.Gate
	guard      *configguard.Guard
	chainStore *chain.Store
	limiter    *ratelimit.Limiter
	minter     *gateauth.TokenMinter
	token      string
	syncPeer   *syncengine.ServerTransport
	obs        *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time
}

// Deps collects the server's collaborators.
type Deps struct {
	Router     *router.Router
	Engine     *syncengine.Engine
	Sessions   *store.SessionStore
	Gate       *approval.Gate
	Guard      *configguard.Guard
	Chain      *chain.Store
	Limiter    *ratelimit.Limiter
	Minter     *gateauth.TokenMinter
	Token      string
	SyncPeer   *syncengine.ServerTransport
	Obs        *observability.Provider
	Logger     *slog.Logger
}

// NewServer builds the gateway server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:     d.Router,
		engine:     d.Engine,
		sessions:   d.Sessions,
		gate:       d.Gate,
		guard:      d.Guard,
		chainStore: d.Chain,
		limiter:    d.Limiter,
		minter:     d.Minter,
		token:      d.Token,
		syncPeer:   d.SyncPeer,
		obs:        d.Obs,
		logger:     logger.With("component", "api"),
		clock:      time.Now,
	}
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.withAuth(s.dispatch))
	mux.HandleFunc("/ws/ops", s.withAuth(s.handleOpsStream))
	if s.syncPeer != nil {
		mux.Handle("/ws/sync", s.syncPeer)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, Envelope{OK: true, Data: map[string]any{"chain_len": s.chainStore.Len()}})
	})
	return mux
}

// withAuth enforces token checks on non-loopback peers. Failed token
// presentations consume rate-limit attempts, so brute forcing the token
// walks straight into the exponential lockout. Per-user operation spam is
// the router's limiter's concern, not this middleware's.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if gateauth.ClassifyHost(host) != gateauth.HostLoopback {
			presented := bearerToken(r)
			if !s.tokenValid(presented) {
				decision, lerr := s.limiter.RecordAttempt(r.Context(), host)
				if lerr == nil && !decision.Allowed {
					s.writeFault(w, fault.New(fault.KindRateLimited, "too many failed token attempts").
						WithRetryAfter(decision.RetryAfter))
					return
				}
				s.writeFault(w, fault.New(fault.KindRateLimited, "invalid or missing gateway token"))
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) tokenValid(presented string) bool {
	if presented == "" {
		return false
	}
	if s.token != "" && ratelimit.ConstantTimeEqual(presented, s.token) {
		return true
	}
	if s.minter != nil {
		if _, err := s.minter.Validate(presented); err == nil {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// dispatch routes /api/<method> to its handler.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeFault(w, fault.New(fault.KindFatal, "POST required"))
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/")

	var handler func(ctx context.Context, params json.RawMessage) (any, error)
	switch method {
	case "ops.execute":
		handler = s.opsExecute
	case "sessions.create":
		handler = s.sessionsCreate
	case "sessions.resume":
		handler = s.sessionsResume
	case "sessions.transfer":
		handler = s.sessionsTransfer
	case "memory.search":
		handler = s.memorySearch
	case "memory.delete":
		handler = s.memoryDelete
	case "approval.decide":
		handler = s.approvalDecide
	case "config.set":
		handler = s.configSet
	case "chain.verify":
		handler = s.chainVerify
	default:
		s.writeFault(w, fault.New(fault.KindFatal, "unknown method %q", method))
		return
	}

	var params json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeFault(w, fault.New(fault.KindFatal, "bad request body: %v", err))
		return
	}

	data, err := handler(r.Context(), params)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, Envelope{OK: true, Data: data})
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	body := &ErrorBody{Kind: fault.KindOf(err), Message: err.Error()}
	status := http.StatusInternalServerError

	var f *fault.Fault
	if errors.As(err, &f) {
		if f.RetryAfter > 0 {
			ms := f.RetryAfter.Milliseconds()
			body.RetryAfter = &ms
		}
		if f.Detail != nil {
			body.Detail = f.Detail
		}
		status = statusFor(f.Kind)
	}
	writeEnvelope(w, status, Envelope{OK: false, Error: body})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case fault.KindApprovalDenied, fault.KindEscalationBlocked, fault.KindConfigRefused:
		return http.StatusForbidden
	case fault.KindApprovalTimeout, fault.KindAdapterTimeout:
		return http.StatusGatewayTimeout
	case fault.KindModelUnavailable, fault.KindOffline, fault.KindPreconditionUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindIntegrityFailed, fault.KindConflictUnresolved:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
