package store

import (
	"database/sql"

	"github.com/helixos/helix/pkg/chain"
)

// ChainMirror copies chain entries into sqlite for querying. The JSONL log
// remains the source of truth; mirror writes are best-effort by contract.
type ChainMirror struct {
	db *sql.DB
}

// NewChainMirror wraps the shared database handle.
func NewChainMirror(db *sql.DB) *ChainMirror {
	return &ChainMirror{db: db}
}

// MirrorEntry upserts one entry.
func (m *ChainMirror) MirrorEntry(e chain.Entry) error {
	_, err := m.db.Exec(`
		INSERT INTO chain_entries (seq, prev_hash, payload, payload_hash, entry_hash, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING`,
		e.Seq, e.PrevHash, string(e.Payload), e.PayloadHash, e.EntryHash, e.Timestamp)
	return err
}

// Count returns the number of mirrored entries.
func (m *ChainMirror) Count() (uint64, error) {
	var n uint64
	err := m.db.QueryRow("SELECT COUNT(*) FROM chain_entries").Scan(&n)
	return n, err
}
