package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Backtrack records a request to return to an earlier phase.
type Backtrack struct {
	Target Phase  `json:"target"`
	Reason string `json:"reason"`
}

// Entry is one phase-transition record. Entries are immutable once appended;
// Hash covers the payload, timestamp, sequence, and the previous entry's hash
// so the per-task chain is tamper-evident.
type Entry struct {
	TaskID    string     `json:"task_id"`
	Phase     Phase      `json:"phase"`
	Actor     string     `json:"actor"`
	Evidence  string     `json:"evidence,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Sequence  uint64     `json:"sequence"`
	PrevHash  string     `json:"prev_hash,omitempty"`
	Hash      string     `json:"hash"`
	Backtrack *Backtrack `json:"backtrack,omitempty"`
}

// IsBacktrack reports whether the entry records a backtrack request rather
// than a phase transition.
func (e *Entry) IsBacktrack() bool {
	return e.Backtrack != nil
}

// canonicalPayload returns the canonical JSON the hash covers. Map keys are
// sorted by encoding/json, so equal entries always canonicalize identically
// (same approach as hashing elsewhere in the codebase: stable keys, then
// digest the bytes).
func (e *Entry) canonicalPayload() ([]byte, error) {
	payload := map[string]any{
		"task_id":   e.TaskID,
		"phase":     string(e.Phase),
		"actor":     e.Actor,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"sequence":  e.Sequence,
		"prev_hash": e.PrevHash,
	}
	if e.Evidence != "" {
		payload["evidence"] = e.Evidence
	}
	if e.Backtrack != nil {
		payload["backtrack"] = map[string]any{
			"target": string(e.Backtrack.Target),
			"reason": e.Backtrack.Reason,
		}
	}
	return json.Marshal(payload)
}

// ComputeHash computes the blake3 digest of the entry's canonical payload.
func (e *Entry) ComputeHash() (string, error) {
	canonical, err := e.canonicalPayload()
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}

	hasher := blake3.New()
	if _, err := hasher.Write(canonical); err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Seal computes and stores the entry's hash. Called exactly once, after all
// other fields are final.
func (e *Entry) Seal() error {
	hash, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// CheckHash recomputes the hash and reports whether the stored value matches.
func (e *Entry) CheckHash() (bool, error) {
	hash, err := e.ComputeHash()
	if err != nil {
		return false, err
	}
	return hash == e.Hash, nil
}
