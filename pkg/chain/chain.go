// Package chain implements the append-only, hash-linked audit log that is
// the runtime's root of truth. Every consequential action is recorded here
// before it runs; entries are never modified or removed.
//
// Each entry links to its predecessor:
//
//	entry_hash = SHA-256(prev_hash || payload_hash || ts)
//
// with prev_hash = "genesis" for the first entry. Payloads are canonicalized
// (RFC 8785) before hashing so the same logical payload always produces the
// same digest.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "genesis"

// Entry is one immutable, hash-chained record.
type Entry struct {
	Seq         uint64          `json:"seq"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	EntryHash   string          `json:"entry_hash"`
	Timestamp   string          `json:"ts"`
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	OK     bool
	FailAt uint64 // seq of the first broken entry when !OK
}

// Mirror receives a best-effort copy of every appended entry.
// Mirror failures never block or fail an append.
type Mirror interface {
	MirrorEntry(e Entry) error
}

// Store is the append-only chain store. Appends are serialized under a
// single mutex; readers observe a consistent committed prefix.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	log     appendLog
	mirror  Mirror
	clock   func() time.Time
}

// appendLog is the durable medium behind the store. The production
// implementation is the JSONL file in state/chain.log.
type appendLog interface {
	WriteEntry(e Entry) error
	Close() error
}

// New creates a store over the given durable log, pre-populated with
// previously recovered entries (in seq order).
func New(log appendLog, recovered []Entry) *Store {
	head := GenesisHash
	if n := len(recovered); n > 0 {
		head = recovered[n-1].EntryHash
	}
	return &Store{
		entries: recovered,
		head:    head,
		log:     log,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithMirror attaches a best-effort secondary sink for appended entries.
func (s *Store) WithMirror(m Mirror) *Store {
	s.mirror = m
	return s
}

// CanonicalPayload canonicalizes v per RFC 8785 and returns the bytes and
// their SHA-256 hex digest.
func CanonicalPayload(v any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("chain: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("chain: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// EntryHash computes the link hash for an entry.
func EntryHash(prevHash, payloadHash, ts string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payloadHash))
	h.Write([]byte(ts))
	return hex.EncodeToString(h.Sum(nil))
}

// Append records a payload and returns the new entry's seq.
// The entry is durable in the log before Append returns; callers that
// required pre-execution durability must treat an error as a hard stop.
func (s *Store) Append(payload any) (uint64, error) {
	canonical, payloadHash, err := CanonicalPayload(payload)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock().UTC().Format(time.RFC3339Nano)
	entry := Entry{
		Seq:         uint64(len(s.entries)),
		PrevHash:    s.head,
		Payload:     canonical,
		PayloadHash: payloadHash,
		EntryHash:   EntryHash(s.head, payloadHash, ts),
		Timestamp:   ts,
	}

	if err := s.log.WriteEntry(entry); err != nil {
		return 0, fmt.Errorf("chain: durable append failed at seq %d: %w", entry.Seq, err)
	}

	s.entries = append(s.entries, entry)
	s.head = entry.EntryHash

	if s.mirror != nil {
		// Best effort only. The durable log already has the entry.
		_ = s.mirror.MirrorEntry(entry)
	}

	return entry.Seq, nil
}

// Head returns the current head hash ("genesis" when empty).
func (s *Store) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Len returns the number of committed entries.
func (s *Store) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries))
}

// Get returns the entry at seq.
func (s *Store) Get(seq uint64) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return Entry{}, fmt.Errorf("chain: entry %d not found", seq)
	}
	return s.entries[seq], nil
}

// Verify walks entries in [from, to] recomputing every hash and link.
// A to of 0 with an empty range is valid; to is clamped to the last seq.
func (s *Store) Verify(from, to uint64) VerifyResult {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	if len(entries) == 0 {
		return VerifyResult{OK: true}
	}
	last := uint64(len(entries)) - 1
	if to > last {
		to = last
	}

	for seq := from; seq <= to; seq++ {
		e := entries[seq]

		wantPrev := GenesisHash
		if seq > 0 {
			wantPrev = entries[seq-1].EntryHash
		}
		if e.PrevHash != wantPrev {
			return VerifyResult{FailAt: seq}
		}

		canonical, err := jcs.Transform(e.Payload)
		if err != nil {
			return VerifyResult{FailAt: seq}
		}
		sum := sha256.Sum256(canonical)
		if hex.EncodeToString(sum[:]) != e.PayloadHash {
			return VerifyResult{FailAt: seq}
		}

		if EntryHash(e.PrevHash, e.PayloadHash, e.Timestamp) != e.EntryHash {
			return VerifyResult{FailAt: seq}
		}
	}
	return VerifyResult{OK: true}
}

// Iterator is a restartable pull cursor over committed entries.
type Iterator struct {
	store *Store
	next  uint64
}

// Stream returns an iterator positioned at fromSeq. The iterator observes
// entries appended after its creation as well; it is the replication feed
// for the sync engine.
func (s *Store) Stream(fromSeq uint64) *Iterator {
	return &Iterator{store: s, next: fromSeq}
}

// Next returns the next entry, or ok=false when the cursor has caught up
// with the committed head.
func (it *Iterator) Next() (Entry, bool) {
	it.store.mu.RLock()
	defer it.store.mu.RUnlock()
	if it.next >= uint64(len(it.store.entries)) {
		return Entry{}, false
	}
	e := it.store.entries[it.next]
	it.next++
	return e, true
}

// Close releases the durable log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}
