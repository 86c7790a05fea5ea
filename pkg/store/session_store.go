package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helixos/helix/pkg/session"
)

// SessionStore persists sessions and messages to the local database.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore wraps the shared database handle.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// SaveSession upserts a session row (messages are saved separately).
func (s *SessionStore) SaveSession(ctx context.Context, sess *session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, origin, start_ts, last_activity_ts,
			local_version, remote_version, conflict_count, last_sync_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			origin = excluded.origin,
			last_activity_ts = excluded.last_activity_ts,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			conflict_count = excluded.conflict_count,
			last_sync_ts = excluded.last_sync_ts`,
		sess.ID, sess.UserID, string(sess.Status), string(sess.Origin),
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		sess.LastActivityAt.UTC().Format(time.RFC3339Nano),
		sess.Sync.LocalVersion, sess.Sync.RemoteVersion, sess.Sync.ConflictCount,
		sess.Sync.LastSyncAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

// SaveMessage upserts one message.
func (s *SessionStore) SaveMessage(ctx context.Context, m session.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	var meta any
	if len(m.Metadata) > 0 {
		meta = string(m.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, role, content, ts, origin, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content`,
		m.ID, m.SessionID, string(m.Role), m.Content,
		m.Timestamp.UTC().Format(time.RFC3339Nano), string(m.Origin), meta)
	if err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// GetSession loads a session with its messages in timestamp order.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, origin, start_ts, last_activity_ts,
			local_version, remote_version, conflict_count, last_sync_ts
		FROM sessions WHERE id = ?`, id)

	var sess session.Session
	var startTS, lastTS, syncTS string
	err := row.Scan(&sess.ID, &sess.UserID, (*string)(&sess.Status), (*string)(&sess.Origin),
		&startTS, &lastTS, &sess.Sync.LocalVersion, &sess.Sync.RemoteVersion,
		&sess.Sync.ConflictCount, &syncTS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startTS)
	sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastTS)
	sess.Sync.LastSyncAt, _ = time.Parse(time.RFC3339Nano, syncTS)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, ts, origin, metadata
		FROM session_messages WHERE session_id = ? ORDER BY ts`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, m)
	}
	return &sess, rows.Err()
}

// SearchMessages finds messages containing the query, newest first.
// Backs memory.search.
func (s *SessionStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]session.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.role, m.content, m.ts, m.origin, m.metadata
		FROM session_messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = ? AND m.content LIKE '%' || ? || '%'
		ORDER BY m.ts DESC LIMIT ?`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes one message by id. Backs memory.delete.
func (s *SessionStore) DeleteMessage(ctx context.Context, userID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_messages WHERE id = ? AND session_id IN
			(SELECT id FROM sessions WHERE user_id = ?)`, messageID, userID)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: message %q not found for user %q", messageID, userID)
	}
	return nil
}

// ListSessions returns a user's sessions without messages.
func (s *SessionStore) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, status, origin, start_ts, last_activity_ts,
			local_version, remote_version, conflict_count, last_sync_ts
		FROM sessions WHERE user_id = ? ORDER BY last_activity_ts DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Session
	for rows.Next() {
		var sess session.Session
		var startTS, lastTS, syncTS string
		if err := rows.Scan(&sess.ID, &sess.UserID, (*string)(&sess.Status), (*string)(&sess.Origin),
			&startTS, &lastTS, &sess.Sync.LocalVersion, &sess.Sync.RemoteVersion,
			&sess.Sync.ConflictCount, &syncTS); err != nil {
			return nil, err
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startTS)
		sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastTS)
		sess.Sync.LastSyncAt, _ = time.Parse(time.RFC3339Nano, syncTS)
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanMessage(r rowScanner) (session.Message, error) {
	var m session.Message
	var ts string
	var meta sql.NullString
	if err := r.Scan(&m.ID, &m.SessionID, (*string)(&m.Role), &m.Content, &ts, (*string)(&m.Origin), &meta); err != nil {
		return m, fmt.Errorf("store: scan message: %w", err)
	}
	m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if meta.Valid && meta.String != "" {
		m.Metadata = json.RawMessage(meta.String)
	}
	return m, nil
}
