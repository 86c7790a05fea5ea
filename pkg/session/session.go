// Package session defines the conversational session model shared by the
// gateway, the sync engine, and the local store.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is a message author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Origin identifies where a session or message was produced.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginMobile Origin = "mobile"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusTransferred Status = "transferred"
)

// Message is one turn in a session, ordered by Timestamp.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"ts"`
	Origin    Origin          `json:"origin"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// SyncState tracks a session's replication position.
type SyncState struct {
	LocalVersion   uint64    `json:"local_version"`
	RemoteVersion  uint64    `json:"remote_version"`
	PendingChanges int       `json:"pending_changes"`
	ConflictCount  int       `json:"conflict_count"`
	LastSyncAt     time.Time `json:"last_sync_ts"`
}

// Session is a conversation with its sync position. Messages reference the
// session by id only; there are no object cycles.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Origin         Origin    `json:"origin"`
	StartedAt      time.Time `json:"start_ts"`
	LastActivityAt time.Time `json:"last_activity_ts"`
	Messages       []Message `json:"messages"`
	Sync           SyncState `json:"sync_state"`
}

// Validate rejects malformed sessions; unknown enum values are never
// coerced.
func (s *Session) Validate() error {
	if s.ID == "" || s.UserID == "" {
		return fmt.Errorf("session: id and user_id are required")
	}
	switch s.Status {
	case StatusActive, StatusPaused, StatusCompleted, StatusTransferred:
	default:
		return fmt.Errorf("session: unknown status %q", s.Status)
	}
	switch s.Origin {
	case OriginLocal, OriginRemote, OriginMobile:
	default:
		return fmt.Errorf("session: unknown origin %q", s.Origin)
	}
	return nil
}

// Validate rejects malformed messages.
func (m *Message) Validate() error {
	if m.ID == "" || m.SessionID == "" {
		return fmt.Errorf("session: message id and session_id are required")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("session: unknown role %q", m.Role)
	}
	switch m.Origin {
	case OriginLocal, OriginRemote, OriginMobile:
	default:
		return fmt.Errorf("session: unknown origin %q", m.Origin)
	}
	return nil
}

// AppendMessage adds a message keeping timestamp order and updates
// last-activity.
func (s *Session) AppendMessage(m Message) {
	idx := len(s.Messages)
	for idx > 0 && s.Messages[idx-1].Timestamp.After(m.Timestamp) {
		idx--
	}
	s.Messages = append(s.Messages, Message{})
	copy(s.Messages[idx+1:], s.Messages[idx:])
	s.Messages[idx] = m
	if m.Timestamp.After(s.LastActivityAt) {
		s.LastActivityAt = m.Timestamp
	}
}

// FindMessage returns the message with the given id.
func (s *Session) FindMessage(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// MatchMessages returns messages whose content contains the query,
// case-insensitive. Backs the memory.search surface.
func (s *Session) MatchMessages(query string) []Message {
	q := strings.ToLower(query)
	var out []Message
	for _, m := range s.Messages {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	return out
}
