// Package state owns the durable record of an active replication cycle.
//
// At most one cycle exists at a time. The record carries the activation
// flag, the per-child frozen ratios fixed at the cycle's first entry, and
// the master's equity immediately before that entry. It is the only durable
// state whose corruption would mis-size trades, so every mutation is
// persisted with an atomic file replace (write to .tmp, then rename) before
// the mutator returns; on a persist failure the in-memory state is rolled
// back and the mutation never happened.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// document is the persisted JSON shape.
type document struct {
	Active              bool               `json:"active"`
	FrozenRatio         map[string]float64 `json:"frozen_ratio"`
	MasterInitialMargin *float64           `json:"master_initial_margin"`
	CycleStartedAt      *time.Time         `json:"cycle_started_at,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Snapshot is a read-only copy handed to the admin surface.
type Snapshot struct {
	Active              bool               `json:"active"`
	FrozenRatio         map[string]float64 `json:"frozen_ratio,omitempty"`
	MasterInitialMargin *float64           `json:"master_initial_margin,omitempty"`
	CycleStartedAt      *time.Time         `json:"cycle_started_at,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Store is the strategy-state store. All methods are safe for concurrent
// use; the admin surface mutates it from outside the replication loop.
type Store struct {
	path string
	mu   sync.Mutex
	doc  document
}

// Open loads the state document at path, treating a missing file as the
// null state. A file that exists but does not parse is an error: silently
// discarding it could re-run a full entry at the wrong ratio.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("state: parse %q: %w", path, err)
	}
	return s, nil
}

// persist writes doc atomically and commits it to memory on success.
func (s *Store) persist(doc document) error {
	doc.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: create dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	s.doc = doc
	return nil
}

// clone copies the document so a failed persist leaves memory untouched.
func (s *Store) clone() document {
	doc := s.doc
	if s.doc.FrozenRatio != nil {
		doc.FrozenRatio = make(map[string]float64, len(s.doc.FrozenRatio))
		for k, v := range s.doc.FrozenRatio {
			doc.FrozenRatio[k] = v
		}
	}
	return doc
}

// IsActive reports whether a replication cycle is in progress.
func (s *Store) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Active
}

// Activate flips the cycle on. Idempotent.
func (s *Store) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Active {
		return nil
	}
	doc := s.clone()
	doc.Active = true
	return s.persist(doc)
}

// Clear ends the cycle: inactive, no ratios, no baseline. Idempotent.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(document{})
}

// MasterInitialMargin returns the cycle's equity baseline, if recorded.
func (s *Store) MasterInitialMargin() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.MasterInitialMargin == nil {
		return 0, false
	}
	return *s.doc.MasterInitialMargin, true
}

// SetMasterInitialMargin records the master's pre-entry equity. Recording
// the first baseline of a cycle also stamps the cycle start, which bounds
// the order-log window used to reconstruct simulated child positions.
func (s *Store) SetMasterInitialMargin(x float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.clone()
	if doc.MasterInitialMargin == nil {
		now := time.Now().UTC()
		doc.CycleStartedAt = &now
	}
	doc.MasterInitialMargin = &x
	return s.persist(doc)
}

// CycleStart returns the moment the current cycle's baseline was recorded.
func (s *Store) CycleStart() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.CycleStartedAt == nil {
		return time.Time{}, false
	}
	return *s.doc.CycleStartedAt, true
}

// FrozenRatio returns the child's scaling coefficient, 0 when absent.
// Absence is not an error: a child that joined mid-cycle simply has no
// ratio and sits the cycle out.
func (s *Store) FrozenRatio(childID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.FrozenRatio[childID]
}

// SetFrozenRatio records a child's ratio for the current cycle.
func (s *Store) SetFrozenRatio(childID string, r float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.clone()
	if doc.FrozenRatio == nil {
		doc.FrozenRatio = make(map[string]float64, 1)
	}
	doc.FrozenRatio[childID] = r
	return s.persist(doc)
}

// Snapshot returns a copy of the current document for the admin surface.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Active: s.doc.Active, UpdatedAt: s.doc.UpdatedAt}
	if s.doc.MasterInitialMargin != nil {
		m := *s.doc.MasterInitialMargin
		snap.MasterInitialMargin = &m
	}
	if s.doc.CycleStartedAt != nil {
		t := *s.doc.CycleStartedAt
		snap.CycleStartedAt = &t
	}
	if len(s.doc.FrozenRatio) > 0 {
		snap.FrozenRatio = make(map[string]float64, len(s.doc.FrozenRatio))
		for k, v := range s.doc.FrozenRatio {
			snap.FrozenRatio[k] = v
		}
	}
	return snap
}
