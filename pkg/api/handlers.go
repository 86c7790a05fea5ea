package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/helixos/helix/pkg/contracts"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/provider"
	"github.com/helixos/helix/pkg/session"
)

type executeParams struct {
	OpID           string                `json:"op_id"`
	UserID         string                `json:"user_id"`
	OpKind         contracts.OpKind      `json:"op_kind"`
	InputTokensEst int                   `json:"input_tokens_est"`
	Criticality    contracts.Criticality `json:"criticality"`
	Messages       []provider.Message    `json:"messages"`
}

func (p *executeParams) request() contracts.OperationRequest {
	if p.OpID == "" {
		p.OpID = uuid.New().String()
	}
	if p.Criticality == "" {
		p.Criticality = contracts.CriticalityLow
	}
	return contracts.OperationRequest{
		OpID:           p.OpID,
		UserID:         p.UserID,
		OpKind:         p.OpKind,
		InputTokensEst: p.InputTokensEst,
		Criticality:    p.Criticality,
	}
}

func (s *Server) opsExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var p executeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if p.UserID == "" {
		return nil, fault.New(fault.KindFatal, "user_id is required")
	}

	req := p.request()
	decision, derr := s.router.Decide(req)
	modelID := ""
	if derr == nil {
		modelID = decision.ModelID
	}

	var finish func(error) = func(error) {}
	if s.obs != nil {
		ctx, finish = s.obs.StartOperation(ctx, string(req.OpKind), modelID)
	}
	res, err := s.router.Execute(ctx, req, p.Messages)
	finish(err)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": res.Text, "record": res.Record}, nil
}

// handleOpsStream serves ops.stream: the client sends one execute request
// and receives status frames followed by the result.
func (s *Server) handleOpsStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var p executeParams
	if err := conn.ReadJSON(&p); err != nil {
		return
	}
	req := p.request()

	_ = conn.WriteJSON(map[string]any{"type": "status", "state": "routing", "op_id": req.OpID})

	res, err := s.router.Execute(r.Context(), req, p.Messages)
	if err != nil {
		body := &ErrorBody{Kind: fault.KindOf(err), Message: err.Error()}
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": body})
		return
	}
	_ = conn.WriteJSON(map[string]any{"type": "result", "text": res.Text, "record": res.Record})
}

func (s *Server) sessionsCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		UserID string         `json:"user_id"`
		Origin session.Origin `json:"origin"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if p.Origin == "" {
		p.Origin = session.OriginLocal
	}

	now := s.clock().UTC()
	sess := &session.Session{
		ID:             uuid.New().String(),
		UserID:         p.UserID,
		Status:         session.StatusActive,
		Origin:         p.Origin,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := sess.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "invalid session")
	}
	if s.sessions != nil {
		if err := s.sessions.SaveSession(ctx, sess); err != nil {
			return nil, fault.Wrap(fault.KindFatal, err, "persist session")
		}
	}
	if err := s.engine.Track(sess); err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "track session")
	}
	return sess, nil
}

func (s *Server) sessionsResume(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if err := s.engine.Resume(ctx, p.SessionID); err != nil {
		return nil, err
	}
	snap, err := s.engine.Snapshot(p.SessionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "snapshot after resume")
	}
	return snap, nil
}

func (s *Server) sessionsTransfer(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string         `json:"session_id"`
		ToOrigin  session.Origin `json:"to_origin"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if err := s.engine.Transfer(ctx, p.SessionID, p.ToOrigin); err != nil {
		return nil, err
	}
	snap, err := s.engine.Snapshot(p.SessionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "snapshot after transfer")
	}
	return snap, nil
}

func (s *Server) memorySearch(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		UserID string `json:"user_id"`
		Query  string `json:"query"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	found, err := s.sessions.SearchMessages(ctx, p.UserID, p.Query, p.Limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "search failed")
	}
	return map[string]any{"messages": found}, nil
}

func (s *Server) memoryDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		UserID    string `json:"user_id"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if err := s.sessions.DeleteMessage(ctx, p.UserID, p.MessageID); err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "delete failed")
	}
	return map[string]any{"deleted": p.MessageID}, nil
}

func (s *Server) approvalDecide(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ReqID   string `json:"req_id"`
		Approve bool   `json:"approve"`
		Actor   string `json:"actor"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	req, err := s.gate.Decide(p.ReqID, p.Approve, p.Actor, p.Reason)
	if err != nil {
		return nil, fault.Wrap(fault.KindApprovalDenied, err, "decision rejected")
	}
	return req, nil
}

func (s *Server) configSet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Key    string `json:"key"`
		Value  string `json:"value"`
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if err := s.guard.Set(ctx, p.Key, p.Value, p.Reason, p.Actor); err != nil {
		return nil, err
	}
	return map[string]any{"key": p.Key}, nil
}

func (s *Server) chainVerify(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		From uint64 `json:"from"`
		To   uint64 `json:"to"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.KindFatal, "bad params: %v", err)
	}
	if p.To == 0 && s.chainStore.Len() > 0 {
		p.To = s.chainStore.Len() - 1
	}
	res := s.chainStore.Verify(p.From, p.To)
	if !res.OK {
		return map[string]any{"ok": false, "fail_at": res.FailAt}, nil
	}
	return map[string]any{"ok": true, "verified_through": p.To, "checked_at": s.clock().UTC().Format(time.RFC3339)}, nil
}
