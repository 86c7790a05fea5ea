package chain

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gowebpki/jcs"
)

// FileLog is the durable chain medium: one canonicalized JSON object per
// line, LF-terminated, fsynced before an append is acknowledged.
type FileLog struct {
	f *os.File
}

// OpenFileLog opens (or creates) the chain log at path and recovers the
// committed entries. A torn final line left by a crash mid-write is
// truncated away; everything before it is intact because each line is
// self-verifying given its predecessor.
func OpenFileLog(path string) (*FileLog, []Entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("chain: create state dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: open log: %w", err)
	}

	entries, goodBytes, err := recoverEntries(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	// Drop a torn tail so the next append starts on a clean line.
	if err := f.Truncate(goodBytes); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("chain: truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("chain: seek: %w", err)
	}

	return &FileLog{f: f}, entries, nil
}

func recoverEntries(f *os.File) ([]Entry, int64, error) {
	var entries []Entry
	var goodBytes int64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn or corrupt tail; stop at the last intact entry.
			break
		}
		if e.Seq != uint64(len(entries)) {
			return nil, 0, fmt.Errorf("chain: log out of order at seq %d (expected %d)", e.Seq, len(entries))
		}
		entries = append(entries, e)
		goodBytes += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("chain: scan log: %w", err)
	}
	return entries, goodBytes, nil
}

// WriteEntry appends one entry line and syncs it to disk.
func (l *FileLog) WriteEntry(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(canonical)
	buf.WriteByte('\n')

	if _, err := l.f.Write(buf.Bytes()); err != nil {
		return err
	}
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *FileLog) Close() error { return l.f.Close() }

// Open is the common production constructor: a file-backed store recovered
// from the given path.
func Open(path string) (*Store, error) {
	log, recovered, err := OpenFileLog(path)
	if err != nil {
		return nil, err
	}
	return New(log, recovered), nil
}

// Export streams verified entries in [from, to] to w as JSONL for offline
// audit. It refuses to export a range that fails verification.
func (s *Store) Export(w io.Writer, from, to uint64) error {
	if res := s.Verify(from, to); !res.OK {
		return fmt.Errorf("chain: export refused, verification failed at seq %d", res.FailAt)
	}
	it := s.Stream(from)
	for {
		e, ok := it.Next()
		if !ok || e.Seq > to {
			return nil
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			return err
		}
	}
}

// memLog is an in-memory appendLog for tests and ephemeral runs.
type memLog struct{ entries []Entry }

// NewMemory creates a store with no durable backing.
func NewMemory() *Store { return New(&memLog{}, nil) }

func (m *memLog) WriteEntry(e Entry) error { m.entries = append(m.entries, e); return nil }
func (m *memLog) Close() error             { return nil }
