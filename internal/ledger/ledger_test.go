package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/foreman/internal/errors"
)

// approveThrough records approving verdicts for every requirement of every
// phase up to and including through.
func approveThrough(v *MemoryVerifications, reqs Requirements, taskID string, through Phase) {
	for _, phase := range Phases() {
		for _, check := range reqs[phase] {
			v.Record(taskID, phase, Verdict{Check: check, Approved: true, Reviewer: "critic"})
		}
		if phase == through {
			break
		}
	}
}

func newTestLedger(t *testing.T) (*Ledger, *MemoryVerifications) {
	t.Helper()
	verifications := NewMemoryVerifications()
	return New(NewMemoryStore(), verifications, nil, nil), verifications
}

func TestRecordTransition_FirstEntryMustBeFirstPhase(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.RecordTransition("t1", PhaseDesign, "agent-a", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSequenceViolation))

	entry, err := l.RecordTransition("t1", PhaseBacklog, "agent-a", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), entry.Sequence)
	assert.Empty(t, entry.PrevHash)
	assert.NotEmpty(t, entry.Hash)
}

func TestRecordTransition_StrictOrder(t *testing.T) {
	l, v := newTestLedger(t)
	approveThrough(v, l.requirements, "t1", PhaseDone)

	_, err := l.RecordTransition("t1", PhaseBacklog, "agent-a", "")
	require.NoError(t, err)

	// Skipping a phase is a sequence violation.
	_, err = l.RecordTransition("t1", PhaseDesign, "agent-a", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSequenceViolation))

	// Duplicating the current phase too.
	_, err = l.RecordTransition("t1", PhaseBacklog, "agent-a", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSequenceViolation))

	// Walking the whole lifecycle in order succeeds.
	for _, phase := range Phases()[1:] {
		_, err := l.RecordTransition("t1", phase, "agent-a", "evidence://"+string(phase))
		require.NoError(t, err, "transition into %s", phase)
	}

	// Terminal phase admits nothing further.
	_, err = l.RecordTransition("t1", PhaseDone, "agent-a", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSequenceViolation))

	current, started, err := l.CurrentPhase("t1")
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, PhaseDone, current)
}

func TestRecordTransition_VerificationGate(t *testing.T) {
	l, v := newTestLedger(t)

	_, err := l.RecordTransition("t1", PhaseBacklog, "agent-a", "")
	require.NoError(t, err)
	_, err = l.RecordTransition("t1", PhaseSpec, "agent-a", "")
	require.NoError(t, err, "backlog requires no approvals")

	// Leaving spec requires critic:spec.
	_, err = l.RecordTransition("t1", PhaseDesign, "agent-a", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeVerificationMissing))
	assert.Contains(t, err.Error(), "critic:spec")

	// A rejected verdict does not satisfy the gate.
	v.Record("t1", PhaseSpec, Verdict{Check: "critic:spec", Approved: false, Reason: "incomplete"})
	_, err = l.RecordTransition("t1", PhaseDesign, "agent-a", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeVerificationMissing))

	// Once approved, the same call succeeds.
	v.Record("t1", PhaseSpec, Verdict{Check: "critic:spec", Approved: true})
	_, err = l.RecordTransition("t1", PhaseDesign, "agent-a", "")
	require.NoError(t, err)
}

func TestRecordTransition_NamesExactlyMissingApprovals(t *testing.T) {
	l, v := newTestLedger(t)
	approveThrough(v, l.requirements, "t1", PhaseDesign)

	for _, phase := range []Phase{PhaseBacklog, PhaseSpec, PhaseDesign, PhaseImplementation} {
		_, err := l.RecordTransition("t1", phase, "agent-a", "")
		require.NoError(t, err)
	}

	// Implementation requires critic:tests and critic:review; approve one.
	v.Record("t1", PhaseImplementation, Verdict{Check: "critic:tests", Approved: true})
	_, err := l.RecordTransition("t1", PhaseReview, "agent-a", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critic:review")
	assert.NotContains(t, err.Error(), "critic:tests,", "already-approved checks must not be listed")

	v.Record("t1", PhaseImplementation, Verdict{Check: "critic:review", Approved: true})
	_, err = l.RecordTransition("t1", PhaseReview, "agent-a", "")
	require.NoError(t, err)
}

func TestBacktrack(t *testing.T) {
	l, v := newTestLedger(t)
	approveThrough(v, l.requirements, "t1", PhaseDone)

	for _, phase := range []Phase{PhaseBacklog, PhaseSpec, PhaseDesign, PhaseImplementation} {
		_, err := l.RecordTransition("t1", phase, "agent-a", "")
		require.NoError(t, err)
	}

	t.Run("requires prior entries", func(t *testing.T) {
		_, err := l.RequestBacktrack("fresh", PhaseSpec, "agent-a", "nothing recorded")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeBacktrackInvalid))
	})

	t.Run("target must not be ahead", func(t *testing.T) {
		_, err := l.RequestBacktrack("t1", PhaseValidation, "agent-a", "jump forward")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeBacktrackInvalid))
	})

	t.Run("requires a reason", func(t *testing.T) {
		_, err := l.RequestBacktrack("t1", PhaseDesign, "agent-a", "")
		require.Error(t, err)
	})

	t.Run("pending target is enforced exactly", func(t *testing.T) {
		_, err := l.RequestBacktrack("t1", PhaseDesign, "agent-a", "design flaw found in review")
		require.NoError(t, err)

		cursor, err := l.Cursor("t1")
		require.NoError(t, err)
		require.NotNil(t, cursor.Pending)
		assert.Equal(t, PhaseDesign, cursor.Pending.Target)
		assert.Equal(t, PhaseImplementation, cursor.Phase, "backtrack request does not move the phase")

		// Any other phase is rejected, including the otherwise-next one.
		_, err = l.RecordTransition("t1", PhaseReview, "agent-a", "")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeSequenceViolation))
		_, err = l.RecordTransition("t1", PhaseSpec, "agent-a", "")
		require.Error(t, err)

		// The exact target succeeds and clears the pending state.
		_, err = l.RecordTransition("t1", PhaseDesign, "agent-a", "rework")
		require.NoError(t, err)

		cursor, err = l.Cursor("t1")
		require.NoError(t, err)
		assert.Nil(t, cursor.Pending)
		assert.Equal(t, PhaseDesign, cursor.Phase)

		// Progress resumes from the backtrack target.
		_, err = l.RecordTransition("t1", PhaseImplementation, "agent-a", "")
		require.NoError(t, err)
	})
}

func TestVerifyChain(t *testing.T) {
	l, v := newTestLedger(t)
	approveThrough(v, l.requirements, "t1", PhaseDone)

	for _, phase := range Phases() {
		_, err := l.RecordTransition("t1", phase, "agent-a", "")
		require.NoError(t, err)
	}
	entries, err := l.Entries("t1")
	require.NoError(t, err)
	require.Len(t, entries, len(Phases()))

	t.Run("healthy chain passes", func(t *testing.T) {
		require.NoError(t, VerifyChain(entries))
		require.NoError(t, l.Audit("t1"))
	})

	mutate := func(f func(copied []Entry)) []Entry {
		copied := make([]Entry, len(entries))
		copy(copied, entries)
		f(copied)
		return copied
	}

	t.Run("mutated payload is detected at that entry", func(t *testing.T) {
		tampered := mutate(func(c []Entry) { c[2].Actor = "intruder" })
		err := VerifyChain(tampered)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeIntegrityViolation))
		assert.Contains(t, err.Error(), "entry 2")
	})

	t.Run("mutated timestamp is detected", func(t *testing.T) {
		tampered := mutate(func(c []Entry) { c[1].Timestamp = c[1].Timestamp.Add(time.Hour) })
		err := VerifyChain(tampered)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeIntegrityViolation))
	})

	t.Run("broken linkage is detected", func(t *testing.T) {
		tampered := mutate(func(c []Entry) { c[3].PrevHash = c[1].Hash })
		err := VerifyChain(tampered)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeIntegrityViolation))
	})

	t.Run("removed entry is detected as a gap", func(t *testing.T) {
		tampered := append([]Entry{}, entries[:2]...)
		tampered = append(tampered, entries[3:]...)
		err := VerifyChain(tampered)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeIntegrityViolation))
	})

	t.Run("first entry with prev hash is detected", func(t *testing.T) {
		tampered := mutate(func(c []Entry) {
			c[0].PrevHash = "deadbeef"
			_ = c[0].Seal()
		})
		err := VerifyChain(tampered)
		require.Error(t, err)
	})
}

func TestRecordTransition_ConcurrentAppendsStaySequential(t *testing.T) {
	l, v := newTestLedger(t)
	approveThrough(v, l.requirements, "t1", PhaseDone)
	approveThrough(v, l.requirements, "t2", PhaseDone)

	for _, id := range []string{"t1", "t2"} {
		_, err := l.RecordTransition(id, PhaseBacklog, "agent-a", "")
		require.NoError(t, err)
	}

	// Hammer both tasks concurrently with the same next transition; exactly
	// one attempt per task may win each step, and the chains must stay valid.
	var wg sync.WaitGroup
	for _, id := range []string{"t1", "t2"} {
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				for _, phase := range Phases()[1:] {
					_, _ = l.RecordTransition(taskID, phase, "agent-a", "")
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, l.Audit(id), "chain for %s must verify after concurrent appends", id)
		entries, err := l.Entries(id)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(entries), len(Phases()), "no duplicate phases may be recorded")
	}
}
