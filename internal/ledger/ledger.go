package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/log"
)

// Cursor is a task's position in the lifecycle: the phase of its latest
// non-backtrack entry plus any pending backtrack. Both are derived from the
// stored chain on every read, never cached.
type Cursor struct {
	// Phase is the current phase, or "" when the task has no entries yet.
	Phase Phase

	// Pending is the outstanding backtrack request, if any. While set, the
	// next recorded transition must target exactly Pending.Target.
	Pending *Backtrack
}

// Started reports whether the task has at least one recorded transition.
func (c Cursor) Started() bool {
	return c.Phase != ""
}

// Ledger enforces ordered, verification-gated phase transitions over a Store.
// All hashing and sequencing rules live here so every storage backend shares
// them. Appends for one task are serialized; different tasks proceed in
// parallel.
type Ledger struct {
	store         Store
	verifications VerificationSource
	requirements  Requirements
	logger        *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates a Ledger over the given store and verification source.
func New(store Store, verifications VerificationSource, requirements Requirements, logger *log.Logger) *Ledger {
	if requirements == nil {
		requirements = DefaultRequirements()
	}
	if logger == nil {
		logger = log.L()
	}
	return &Ledger{
		store:         store,
		verifications: verifications,
		requirements:  requirements,
		logger:        logger.WithComponent("ledger"),
		locks:         make(map[string]*sync.Mutex),
		now:           time.Now,
	}
}

// taskLock returns the mutex serializing appends for one task.
func (l *Ledger) taskLock(taskID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[taskID] = lock
	}
	return lock
}

// cursorOf derives the task's cursor from its entries.
func cursorOf(entries []Entry) Cursor {
	var cursor Cursor
	for i := range entries {
		e := &entries[i]
		if e.IsBacktrack() {
			// Latest unresolved request wins.
			cursor.Pending = e.Backtrack
		} else {
			cursor.Phase = e.Phase
			cursor.Pending = nil
		}
	}
	return cursor
}

// Cursor returns the task's current lifecycle position.
func (l *Ledger) Cursor(taskID string) (Cursor, error) {
	entries, err := l.store.Load(taskID)
	if err != nil {
		return Cursor{}, err
	}
	return cursorOf(entries), nil
}

// CurrentPhase returns the phase of the task's latest non-backtrack entry.
// The second return is false when the task has not started.
func (l *Ledger) CurrentPhase(taskID string) (Phase, bool, error) {
	cursor, err := l.Cursor(taskID)
	if err != nil {
		return "", false, err
	}
	return cursor.Phase, cursor.Started(), nil
}

// RecordTransition appends a transition of the task into phase. The first
// entry must be the first lifecycle phase. Later entries must be exactly the
// next phase (or the pending backtrack target), and forward transitions are
// accepted only when every mandatory verification for the phase being left
// is present and approved.
func (l *Ledger) RecordTransition(taskID string, phase Phase, actor, evidence string) (*Entry, error) {
	if taskID == "" {
		return nil, errors.New(errors.ErrCodeLedgerEntryMalformed, "task id is required")
	}
	if !phase.Valid() {
		return nil, errors.NewSequenceViolationError(taskID, fmt.Sprintf("unknown phase %q", phase))
	}

	lock := l.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := l.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	cursor := cursorOf(entries)

	switch {
	case !cursor.Started():
		if phase != FirstPhase() {
			return nil, errors.NewSequenceViolationError(taskID,
				fmt.Sprintf("first transition must be %q, got %q", FirstPhase(), phase))
		}

	case cursor.Pending != nil:
		if phase != cursor.Pending.Target {
			return nil, errors.NewSequenceViolationError(taskID,
				fmt.Sprintf("backtrack to %q is pending; got %q", cursor.Pending.Target, phase))
		}
		// Backtracks are not forward progress; no verification gate applies.

	default:
		if cursor.Phase.Terminal() {
			return nil, errors.NewSequenceViolationError(taskID,
				fmt.Sprintf("task is already in terminal phase %q", cursor.Phase))
		}
		next, _ := cursor.Phase.Next()
		if phase != next {
			return nil, errors.NewSequenceViolationError(taskID,
				fmt.Sprintf("expected next phase %q, got %q", next, phase))
		}
		if err := l.checkVerifications(taskID, cursor.Phase); err != nil {
			return nil, err
		}
	}

	entry := Entry{
		TaskID:    taskID,
		Phase:     phase,
		Actor:     actor,
		Evidence:  evidence,
		Timestamp: l.now().UTC(),
	}
	if n := len(entries); n > 0 {
		entry.Sequence = entries[n-1].Sequence + 1
		entry.PrevHash = entries[n-1].Hash
	}
	if err := entry.Seal(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "seal entry", err)
	}
	if err := l.store.Append(entry); err != nil {
		return nil, err
	}

	l.logger.Info("phase transition recorded",
		"task_id", taskID, "phase", phase, "actor", actor, "sequence", entry.Sequence)
	return &entry, nil
}

// checkVerifications fails with a VerificationMissing error naming exactly
// the required approvals for leaving that are absent or rejected.
func (l *Ledger) checkVerifications(taskID string, leaving Phase) error {
	if l.verifications == nil {
		return nil
	}
	verdicts, err := l.verifications.Verdicts(taskID, leaving)
	if err != nil {
		return err
	}
	if missing := l.requirements.Missing(leaving, verdicts); len(missing) > 0 {
		return errors.NewVerificationMissingError(taskID, string(leaving), missing)
	}
	return nil
}

// RequestBacktrack appends a backtrack request. The target's order index must
// not exceed the current phase's index; the next RecordTransition for this
// task must then supply exactly the target. A newer request supersedes an
// unresolved one.
func (l *Ledger) RequestBacktrack(taskID string, target Phase, actor, reason string) (*Entry, error) {
	if !target.Valid() {
		return nil, errors.New(errors.ErrCodeBacktrackInvalid,
			fmt.Sprintf("unknown backtrack target %q for task %s", target, taskID))
	}
	if reason == "" {
		return nil, errors.New(errors.ErrCodeBacktrackInvalid,
			fmt.Sprintf("backtrack for task %s requires a reason", taskID))
	}

	lock := l.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := l.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	cursor := cursorOf(entries)
	if !cursor.Started() {
		return nil, errors.New(errors.ErrCodeBacktrackInvalid,
			fmt.Sprintf("task %s has no recorded transitions to backtrack from", taskID))
	}
	if target.Index() > cursor.Phase.Index() {
		return nil, errors.New(errors.ErrCodeBacktrackInvalid,
			fmt.Sprintf("backtrack target %q is ahead of current phase %q for task %s", target, cursor.Phase, taskID))
	}

	entry := Entry{
		TaskID:    taskID,
		Phase:     cursor.Phase,
		Actor:     actor,
		Timestamp: l.now().UTC(),
		Sequence:  entries[len(entries)-1].Sequence + 1,
		PrevHash:  entries[len(entries)-1].Hash,
		Backtrack: &Backtrack{Target: target, Reason: reason},
	}
	if err := entry.Seal(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerStoreFailed, "seal entry", err)
	}
	if err := l.store.Append(entry); err != nil {
		return nil, err
	}

	l.logger.Info("backtrack requested",
		"task_id", taskID, "from", cursor.Phase, "target", target, "actor", actor, "reason", reason)
	return &entry, nil
}

// Entries returns the task's full chain in append order.
func (l *Ledger) Entries(taskID string) ([]Entry, error) {
	return l.store.Load(taskID)
}

// Audit loads a task's chain and verifies it end to end.
func (l *Ledger) Audit(taskID string) error {
	entries, err := l.store.Load(taskID)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// VerifyChain recomputes every hash, confirms linkage, and replays the
// ordering rules, reporting the first broken invariant. A chain that passes
// has a non-backtrack phase sequence that walks the canonical order with
// each backtrack resumed at exactly its requested target.
func VerifyChain(entries []Entry) error {
	var cursor Cursor

	for i := range entries {
		e := &entries[i]

		if e.TaskID != entries[0].TaskID {
			return errors.NewIntegrityViolationError(entries[0].TaskID, e.Sequence,
				fmt.Sprintf("entry %d belongs to task %s", i, e.TaskID))
		}
		if e.Sequence != uint64(i) {
			return errors.NewIntegrityViolationError(e.TaskID, e.Sequence,
				fmt.Sprintf("sequence gap: entry %d carries sequence %d", i, e.Sequence))
		}

		if i == 0 {
			if e.PrevHash != "" {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence, "first entry has a previous hash")
			}
		} else if e.PrevHash != entries[i-1].Hash {
			return errors.NewIntegrityViolationError(e.TaskID, e.Sequence, "previous-hash linkage broken")
		}

		ok, err := e.CheckHash()
		if err != nil {
			return errors.Wrap(errors.ErrCodeIntegrityViolation, "recompute hash", err)
		}
		if !ok {
			return errors.NewIntegrityViolationError(e.TaskID, e.Sequence, "stored hash does not match recomputed hash")
		}

		// Replay the ordering rules.
		if e.IsBacktrack() {
			if !cursor.Started() {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence, "backtrack before any transition")
			}
			if !e.Backtrack.Target.Valid() || e.Backtrack.Target.Index() > cursor.Phase.Index() {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence,
					fmt.Sprintf("backtrack target %q ahead of phase %q", e.Backtrack.Target, cursor.Phase))
			}
			cursor.Pending = e.Backtrack
			continue
		}

		switch {
		case !cursor.Started():
			if e.Phase != FirstPhase() {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence,
					fmt.Sprintf("chain starts at %q instead of %q", e.Phase, FirstPhase()))
			}
		case cursor.Pending != nil:
			if e.Phase != cursor.Pending.Target {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence,
					fmt.Sprintf("transition to %q while backtrack to %q pending", e.Phase, cursor.Pending.Target))
			}
		default:
			if cursor.Phase.Terminal() {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence, "transition after terminal phase")
			}
			next, _ := cursor.Phase.Next()
			if e.Phase != next {
				return errors.NewIntegrityViolationError(e.TaskID, e.Sequence,
					fmt.Sprintf("phase %q out of order after %q", e.Phase, cursor.Phase))
			}
		}
		cursor.Phase = e.Phase
		cursor.Pending = nil
	}

	return nil
}
