package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/log"
)

// FileStore persists each task's chain as one JSONL file under a directory.
// Appends are line-at-a-time with O_APPEND so restarts see every accepted
// entry in order.
//
// Recovery rule for a crash mid-append: on load, a trailing line that fails
// to parse or whose hash does not recompute is truncated from the file (it
// was never fully written), so later appends start on a clean boundary. A
// broken entry anywhere earlier is an integrity violation.
type FileStore struct {
	dir    string
	logger *log.Logger
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "create ledger directory", err)
	}
	if logger == nil {
		logger = log.L()
	}
	return &FileStore{dir: dir, logger: logger.WithComponent("ledger")}, nil
}

func (s *FileStore) path(taskID string) string {
	// Task ids come from the external scheduler; keep the filename safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, taskID)
	return filepath.Join(s.dir, safe+".jsonl")
}

// Append writes one entry as a JSON line at the end of the task's file.
func (s *FileStore) Append(entry Entry) error {
	if entry.TaskID == "" {
		return errors.New(errors.ErrCodeLedgerEntryMalformed, "entry has no task id")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerStoreFailed, "marshal entry", err)
	}

	f, err := os.OpenFile(s.path(entry.TaskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerStoreFailed, "open ledger file", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrap(errors.ErrCodeLedgerStoreFailed, "append entry", err)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(errors.ErrCodeLedgerStoreFailed, "sync ledger file", err)
	}
	return nil
}

// Load reads the task's entries in append order, repairing a torn tail in
// place. A crash mid-append leaves bytes that a later O_APPEND write would
// build on top of, so recovery must truncate them from the file, not merely
// skip them: otherwise the next accepted entry is concatenated onto the torn
// bytes or stranded behind a mid-file corruption.
func (s *FileStore) Load(taskID string) ([]Entry, error) {
	path := s.path(taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "read ledger file", err)
	}

	var (
		entries  []Entry
		starts   []int // byte offset of each entry's line
		unsealed bool  // last kept line is missing its newline
	)
	tornStart := -1

	offset := 0
	for offset < len(data) {
		next := len(data)
		terminated := false
		if nl := bytes.IndexByte(data[offset:], '\n'); nl >= 0 {
			next = offset + nl + 1
			terminated = true
		}
		line := bytes.TrimSpace(data[offset:next])
		if len(line) > 0 {
			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				if next < len(data) {
					return nil, errors.New(errors.ErrCodeIntegrityViolation,
						fmt.Sprintf("ledger file for task %s has an unparseable entry at byte %d", taskID, offset))
				}
				// Torn final line from a crash mid-append.
				tornStart = offset
				break
			}
			entries = append(entries, entry)
			starts = append(starts, offset)
		}
		unsealed = !terminated
		offset = next
	}

	// A trailing entry that parses but whose hash does not recompute is a
	// torn write too; cut the file back to the entry before it.
	if n := len(entries); n > 0 {
		ok, err := entries[n-1].CheckHash()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "recompute trailing hash", err)
		}
		if !ok {
			s.logger.Warn("discarding trailing ledger entry with unverifiable hash",
				"task_id", taskID, "sequence", entries[n-1].Sequence)
			tornStart = starts[n-1]
			entries = entries[:n-1]
			unsealed = false
		}
	}

	switch {
	case tornStart >= 0:
		s.logger.Warn("truncating torn tail of ledger file",
			"task_id", taskID, "offset", tornStart)
		if err := os.Truncate(path, int64(tornStart)); err != nil {
			return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "truncate torn ledger tail", err)
		}
	case unsealed:
		// The final entry is whole but its newline never hit the disk; seal
		// it so the next append starts on its own line.
		if err := sealFinalLine(path); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func sealFinalLine(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerStoreFailed, "open ledger file", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return errors.Wrap(errors.ErrCodeLedgerStoreFailed, "seal ledger file", err)
	}
	return f.Sync()
}

// Tasks lists all task ids with a ledger file, sorted.
func (s *FileStore) Tasks() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "read ledger directory", err)
	}
	var ids []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}
