package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/session"
	"github.com/helixos/helix/pkg/webhook"
)

// Persister saves replicated state locally. The sqlite session store
// satisfies it; nil disables persistence.
type Persister interface {
	SaveSession(ctx context.Context, s *session.Session) error
	SaveMessage(ctx context.Context, m session.Message) error
}

// Fetcher retrieves the canonical session from the peer, for resume.
type Fetcher func(ctx context.Context, sessionID string) (*session.Session, error)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	fullSyncEvery = 30 * time.Second
)

// Engine owns session sync state. One actor goroutine per session; every
// mutation funnels through it.
type Engine struct {
	originID  string
	transport Transport
	queue     *OfflineQueue
	audit     *prelog.Logger
	persist   Persister
	fetch     Fetcher
	logger    *slog.Logger
	clock     func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

type actor struct {
	sess      *session.Session
	clockVec  VectorClock
	pending   map[string]Delta     // entity id → unsynced local delta
	conflicts map[string]*Conflict // conflict id → open conflict
	cmds      chan func()
	done      chan struct{}
}

// NewEngine creates a sync engine. audit and persist may be nil in tests.
func NewEngine(originID string, transport Transport, queue *OfflineQueue,
	audit *prelog.Logger, persist Persister, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		originID:  originID,
		transport: transport,
		queue:     queue,
		audit:     audit,
		persist:   persist,
		logger:    logger.With("component", "sync"),
		clock:     time.Now,
		actors:    make(map[string]*actor),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithFetcher installs the peer session fetcher used by Resume.
func (e *Engine) WithFetcher(f Fetcher) *Engine {
	e.fetch = f
	return e
}

// Track registers a session with the engine, spawning its actor.
func (e *Engine) Track(sess *session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("syncengine: engine closed")
	}
	if _, ok := e.actors[sess.ID]; ok {
		return fmt.Errorf("syncengine: session %q already tracked", sess.ID)
	}

	a := &actor{
		sess:      sess,
		clockVec:  VectorClock{},
		pending:   make(map[string]Delta),
		conflicts: make(map[string]*Conflict),
		cmds:      make(chan func(), 16),
		done:      make(chan struct{}),
	}
	e.actors[sess.ID] = a
	go a.run()
	return nil
}

func (a *actor) run() {
	defer close(a.done)
	for fn := range a.cmds {
		fn()
	}
}

// do runs fn on the session's actor and waits for it.
func (e *Engine) do(sessionID string, fn func(a *actor) error) error {
	e.mu.Lock()
	a, ok := e.actors[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("syncengine: session %q not tracked", sessionID)
	}

	errc := make(chan error, 1)
	a.cmds <- func() { errc <- fn(a) }
	return <-errc
}

// Snapshot returns a copy of the session's current state.
func (e *Engine) Snapshot(sessionID string) (session.Session, error) {
	var out session.Session
	err := e.do(sessionID, func(a *actor) error {
		out = *a.sess
		out.Messages = append([]session.Message(nil), a.sess.Messages...)
		// Queued changes are the unsent subset of unacked pending edits;
		// the pending map is the full count.
		out.Sync.PendingChanges = len(a.pending)
		return nil
	})
	return out, err
}

// ApplyLocalMessage applies a locally authored message and replicates it:
// sent immediately when connected, queued otherwise.
func (e *Engine) ApplyLocalMessage(ctx context.Context, m session.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.do(m.SessionID, func(a *actor) error {
		a.sess.AppendMessage(m)
		a.sess.Sync.LocalVersion++
		a.clockVec.Tick(e.originID)

		if e.persist != nil {
			if err := e.persist.SaveMessage(ctx, m); err != nil {
				return err
			}
			if err := e.persist.SaveSession(ctx, a.sess); err != nil {
				return err
			}
		}

		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		delta := Delta{
			ID:            uuid.New().String(),
			EntityKind:    "message",
			EntityID:      m.ID,
			Op:            OpInsert,
			ChangedFields: payload,
			Clock:         a.clockVec.Clone(),
			Timestamp:     e.clock().UTC(),
			Origin:        e.originID,
		}
		a.pending[m.ID] = delta

		return e.sendOrQueue(a.sess.ID, delta)
	})
}

// sendOrQueue pushes a delta to the peer or the offline queue.
func (e *Engine) sendOrQueue(sessionID string, d Delta) error {
	if e.transport.Connected() {
		if err := e.sendDelta(sessionID, d); err == nil {
			return nil
		}
	}
	return e.queue.Enqueue(sessionID, d)
}

func (e *Engine) sendDelta(sessionID string, d Delta) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return e.transport.Send(WireMessage{Kind: KindChange, SessionID: sessionID, Payload: raw})
}

// HandleWire dispatches one inbound message. Exposed for the gateway side
// and tests; Run feeds it from the transport.
func (e *Engine) HandleWire(ctx context.Context, msg WireMessage) error {
	switch msg.Kind {
	case KindDelta, KindChange:
		var d Delta
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return fmt.Errorf("syncengine: bad delta payload: %w", err)
		}
		return e.applyRemote(ctx, msg.SessionID, d)
	case KindAck:
		var ack struct {
			EntityID string `json:"entity_id"`
		}
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			return nil
		}
		return e.do(msg.SessionID, func(a *actor) error {
			delete(a.pending, ack.EntityID)
			a.sess.Sync.LastSyncAt = e.clock().UTC()
			return nil
		})
	case KindError, KindAuth, KindConflict, KindResolveConflict:
		return nil
	}
	return fmt.Errorf("syncengine: unhandled kind %q", msg.Kind)
}

// applyRemote applies a peer delta, or surfaces a conflict when an
// unsynced local edit of the same entity is concurrent with it.
func (e *Engine) applyRemote(ctx context.Context, sessionID string, d Delta) error {
	return e.do(sessionID, func(a *actor) error {
		if local, ok := a.pending[d.EntityID]; ok {
			if local.Clock.Compare(d.Clock) == OrderConcurrent &&
				string(local.ChangedFields) != string(d.ChangedFields) {
				c := &Conflict{
					ID:         uuid.New().String(),
					EntityKind: d.EntityKind,
					EntityID:   d.EntityID,
					Local:      local,
					Remote:     d,
					DetectedAt: e.clock().UTC(),
				}
				a.conflicts[c.ID] = c
				a.sess.Sync.ConflictCount++

				raw, _ := json.Marshal(c)
				_ = e.transport.Send(WireMessage{Kind: KindConflict, SessionID: sessionID, Payload: raw})
				e.record("sync_conflict", sessionID, map[string]any{
					"conflict_id": c.ID, "entity_id": d.EntityID,
				})
				return nil
			}
		}

		if err := e.applyDeltaLocked(ctx, a, d); err != nil {
			return err
		}
		a.sess.Sync.RemoteVersion++
		a.clockVec.Merge(d.Clock)
		a.sess.Sync.LastSyncAt = e.clock().UTC()

		// Acknowledge so the sender can clear its unsynced-edit record.
		ack, _ := json.Marshal(map[string]string{"entity_id": d.EntityID})
		_ = e.transport.Send(WireMessage{Kind: KindAck, SessionID: sessionID, Payload: ack})
		return nil
	})
}

// applyDeltaLocked mutates the session per the delta. Caller is on the
// actor goroutine.
func (e *Engine) applyDeltaLocked(ctx context.Context, a *actor, d Delta) error {
	switch d.EntityKind {
	case "message":
		var m session.Message
		if err := json.Unmarshal(d.ChangedFields, &m); err != nil {
			return fmt.Errorf("syncengine: bad message delta: %w", err)
		}
		switch d.Op {
		case OpInsert, OpUpdate:
			if _, exists := a.sess.FindMessage(m.ID); !exists {
				a.sess.AppendMessage(m)
			} else if d.Op == OpUpdate {
				for i := range a.sess.Messages {
					if a.sess.Messages[i].ID == m.ID {
						a.sess.Messages[i] = m
						break
					}
				}
			}
			if e.persist != nil {
				if err := e.persist.SaveMessage(ctx, m); err != nil {
					return err
				}
			}
		case OpDelete:
			for i, existing := range a.sess.Messages {
				if existing.ID == m.ID {
					a.sess.Messages = append(a.sess.Messages[:i], a.sess.Messages[i+1:]...)
					break
				}
			}
		default:
			return fmt.Errorf("syncengine: unknown delta op %q", d.Op)
		}
	case "session":
		var fields struct {
			Status session.Status `json:"status,omitempty"`
			Origin session.Origin `json:"origin,omitempty"`
		}
		if err := json.Unmarshal(d.ChangedFields, &fields); err != nil {
			return fmt.Errorf("syncengine: bad session delta: %w", err)
		}
		if fields.Status != "" {
			a.sess.Status = fields.Status
		}
		if fields.Origin != "" {
			a.sess.Origin = fields.Origin
		}
	default:
		return fmt.Errorf("syncengine: unknown entity kind %q", d.EntityKind)
	}

	if e.persist != nil {
		return e.persist.SaveSession(ctx, a.sess)
	}
	return nil
}

// Resume fetches the canonical session from the peer and takes it over
// locally. Mutually exclusive with Transfer for the same session.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	if e.fetch == nil {
		return fault.New(fault.KindOffline, "no peer fetcher configured")
	}
	canonical, err := e.fetch(ctx, sessionID)
	if err != nil {
		return fault.Wrap(fault.KindOffline, err, "peer fetch failed")
	}

	return e.do(sessionID, func(a *actor) error {
		if a.sess.Status == session.StatusTransferred {
			return fault.New(fault.KindConflictUnresolved,
				"session %s is mid-transfer; resume refused", sessionID)
		}
		canonical.Origin = session.OriginLocal
		canonical.Status = session.StatusActive
		*a.sess = *canonical
		a.sess.Sync.LastSyncAt = e.clock().UTC()

		if e.persist != nil {
			if err := e.persist.SaveSession(ctx, a.sess); err != nil {
				return err
			}
		}
		e.record("session_resumed", sessionID, map[string]any{"origin": string(session.OriginLocal)})
		return nil
	})
}

// Transfer flushes pending changes, flips the session to the target
// origin, and records the event. Mutually exclusive with Resume.
func (e *Engine) Transfer(ctx context.Context, sessionID string, to session.Origin) error {
	return e.do(sessionID, func(a *actor) error {
		if a.sess.Status == session.StatusTransferred {
			return fault.New(fault.KindConflictUnresolved, "session %s already transferred", sessionID)
		}

		if e.transport.Connected() {
			if _, err := e.queue.Drain(sessionID, func(d Delta) error {
				return e.sendDelta(sessionID, d)
			}); err != nil {
				return fault.Wrap(fault.KindOffline, err, "flush before transfer failed")
			}
		} else if e.queue.Depth(sessionID) > 0 {
			return fault.New(fault.KindOffline, "cannot transfer with %d queued changes while offline",
				e.queue.Depth(sessionID))
		}

		a.sess.Origin = to
		a.sess.Status = session.StatusTransferred
		if e.persist != nil {
			if err := e.persist.SaveSession(ctx, a.sess); err != nil {
				return err
			}
		}
		e.record("session_transferred", sessionID, map[string]any{"to": string(to)})
		return nil
	})
}

// Conflicts returns the session's open conflicts.
func (e *Engine) Conflicts(sessionID string) ([]Conflict, error) {
	var out []Conflict
	err := e.do(sessionID, func(a *actor) error {
		for _, c := range a.conflicts {
			out = append(out, *c)
		}
		return nil
	})
	return out, err
}

// Resolve applies a resolution strategy to an open conflict. The
// resolution is itself a chain event.
func (e *Engine) Resolve(ctx context.Context, sessionID, conflictID string, strategy ResolutionStrategy) error {
	return e.do(sessionID, func(a *actor) error {
		c, ok := a.conflicts[conflictID]
		if !ok {
			return fault.New(fault.KindConflictUnresolved, "conflict %q not found", conflictID)
		}

		switch strategy {
		case ResolveLocalWins:
			if err := e.sendOrQueue(sessionID, c.Local); err != nil {
				return err
			}
		case ResolveRemoteWins:
			delete(a.pending, c.EntityID)
			remote := c.Remote
			// Force an update so the remote value replaces the local edit
			// even when the original delta was an insert.
			remote.Op = OpUpdate
			if err := e.applyDeltaLocked(ctx, a, remote); err != nil {
				return err
			}
		case ResolveMerge:
			merged, err := e.merge(c)
			if err != nil {
				return err
			}
			if err := e.applyDeltaLocked(ctx, a, merged); err != nil {
				return err
			}
			if err := e.sendOrQueue(sessionID, merged); err != nil {
				return err
			}
			delete(a.pending, c.EntityID)
		default:
			return fault.New(fault.KindConflictUnresolved, "unknown strategy %q", strategy)
		}

		now := e.clock().UTC()
		c.Resolution = strategy
		c.ResolvedAt = &now
		delete(a.conflicts, conflictID)
		a.clockVec.Merge(c.Remote.Clock)

		e.record("sync_conflict_resolved", sessionID, map[string]any{
			"conflict_id": conflictID, "strategy": string(strategy),
		})
		return nil
	})
}

// merge builds the merged delta for a conflict. Message conflicts append
// both texts; structured conflicts merge field-by-field, last writer wins
// by timestamp with ties broken by lexicographic origin id.
func (e *Engine) merge(c *Conflict) (Delta, error) {
	merged := c.Remote
	merged.ID = uuid.New().String()
	merged.Op = OpUpdate
	merged.Clock = c.Local.Clock.Clone().Merge(c.Remote.Clock).Tick(e.originID)
	merged.Timestamp = e.clock().UTC()
	merged.Origin = e.originID

	if c.EntityKind == "message" {
		var local, remote session.Message
		if err := json.Unmarshal(c.Local.ChangedFields, &local); err != nil {
			return Delta{}, err
		}
		if err := json.Unmarshal(c.Remote.ChangedFields, &remote); err != nil {
			return Delta{}, err
		}
		local.Content = local.Content + "\n" + remote.Content
		raw, err := json.Marshal(local)
		if err != nil {
			return Delta{}, err
		}
		merged.ChangedFields = raw
		return merged, nil
	}

	var localFields, remoteFields map[string]json.RawMessage
	if err := json.Unmarshal(c.Local.ChangedFields, &localFields); err != nil {
		return Delta{}, err
	}
	if err := json.Unmarshal(c.Remote.ChangedFields, &remoteFields); err != nil {
		return Delta{}, err
	}

	// Last writer wins per field; on equal timestamps the lexicographically
	// smaller origin id wins so both sides converge.
	localWins := c.Local.Timestamp.After(c.Remote.Timestamp) ||
		(c.Local.Timestamp.Equal(c.Remote.Timestamp) && c.Local.Origin < c.Remote.Origin)

	out := make(map[string]json.RawMessage, len(localFields)+len(remoteFields))
	for k, v := range remoteFields {
		out[k] = v
	}
	for k, v := range localFields {
		if _, contested := remoteFields[k]; !contested || localWins {
			out[k] = v
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Delta{}, err
	}
	merged.ChangedFields = raw
	return merged, nil
}

// Run drives the reconnect loop, inbound dispatch, drains, and the
// periodic full sync. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	backoff := reconnectBase
	fullSync := time.NewTicker(fullSyncEvery)
	defer fullSync.Stop()

	for {
		if !e.transport.Connected() {
			if err := e.transport.Connect(ctx); err != nil {
				e.logger.Debug("reconnect failed", "backoff", backoff, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > reconnectCap {
					backoff = reconnectCap
				}
				continue
			}
			backoff = reconnectBase
			e.DrainQueues()
		}

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.transport.Receive():
			if !ok {
				return
			}
			if err := e.HandleWire(ctx, msg); err != nil {
				e.logger.Warn("inbound message failed", "kind", string(msg.Kind), "error", err)
			}
		case <-fullSync.C:
			e.announceVersions()
		}
	}
}

// DrainQueues flushes every session's offline queue in order. Run calls
// it on every reconnect; callers may invoke it directly after restoring a
// link out of band.
func (e *Engine) DrainQueues() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		remaining, err := e.queue.Drain(id, func(d Delta) error {
			return e.sendDelta(id, d)
		})
		if err != nil {
			e.logger.Warn("queue drain interrupted", "session", id, "remaining", remaining, "error", err)
		}
	}
}

// announceVersions sends each session's sync position to the peer as an
// ack frame, even on an idle link. A receiving engine handles that frame
// like any other ack: it records the sync time and does not compare
// versions or resend anything.
func (e *Engine) announceVersions() {
	if !e.transport.Connected() {
		return
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.do(id, func(a *actor) error {
			raw, err := json.Marshal(a.sess.Sync)
			if err != nil {
				return err
			}
			return e.transport.Send(WireMessage{Kind: KindAck, SessionID: id, Payload: raw})
		})
	}
}

// Close stops every actor.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	actors := e.actors
	e.actors = make(map[string]*actor)
	e.mu.Unlock()

	for _, a := range actors {
		close(a.cmds)
		<-a.done
	}
}

func (e *Engine) record(kind, sessionID string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["session_id"] = sessionID
	e.audit.Post(webhook.ChannelConsciousness, prelog.Event{Kind: kind, Detail: detail})
}
