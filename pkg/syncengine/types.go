// Package syncengine replicates session state between the runtime and a
// peer over a single bidirectional channel, with offline queueing,
// vector-clock conflict detection, and deterministic resolution.
package syncengine

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind is the wire-level message type.
type MessageKind string

const (
	KindAuth            MessageKind = "auth"
	KindChange          MessageKind = "sync.change"
	KindDelta           MessageKind = "sync.delta"
	KindConflict        MessageKind = "sync.conflict"
	KindAck             MessageKind = "sync.ack"
	KindResolveConflict MessageKind = "sync.resolve_conflict"
	KindError           MessageKind = "error"
)

// WireMessage is the envelope exchanged with the peer.
type WireMessage struct {
	Kind      MessageKind     `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseWireMessage decodes and validates an envelope. Unknown kinds are
// rejected, not coerced.
func ParseWireMessage(raw []byte) (WireMessage, error) {
	var m WireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("syncengine: bad wire message: %w", err)
	}
	switch m.Kind {
	case KindAuth, KindChange, KindDelta, KindConflict, KindAck, KindResolveConflict, KindError:
		return m, nil
	}
	return m, fmt.Errorf("syncengine: unknown message kind %q", m.Kind)
}

// DeltaOp is the mutation carried by a delta.
type DeltaOp string

const (
	OpInsert DeltaOp = "insert"
	OpUpdate DeltaOp = "update"
	OpDelete DeltaOp = "delete"
)

// Delta is one replicated change.
type Delta struct {
	ID            string          `json:"id"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id"`
	Op            DeltaOp         `json:"op"`
	ChangedFields json.RawMessage `json:"changed_fields"`
	Clock         VectorClock     `json:"vector_clock"`
	Timestamp     time.Time       `json:"ts"`
	Origin        string          `json:"origin"`
}

// ResolutionStrategy picks how a conflict resolves.
type ResolutionStrategy string

const (
	ResolveLocalWins  ResolutionStrategy = "local-wins"
	ResolveRemoteWins ResolutionStrategy = "remote-wins"
	ResolveMerge      ResolutionStrategy = "merge"
)

// Conflict records two incomparable edits of the same entity.
type Conflict struct {
	ID         string             `json:"id"`
	EntityKind string             `json:"entity_kind"`
	EntityID   string             `json:"entity_id"`
	Local      Delta              `json:"local"`
	Remote     Delta              `json:"remote"`
	DetectedAt time.Time          `json:"detected_ts"`
	Resolution ResolutionStrategy `json:"resolution,omitempty"`
	ResolvedAt *time.Time         `json:"resolved_ts,omitempty"`
}

// QueuedChange is one offline-queued outbound delta.
type QueuedChange struct {
	ID         string    `json:"id"`
	Delta      Delta     `json:"delta"`
	EnqueuedAt time.Time `json:"enqueued_ts"`
}
