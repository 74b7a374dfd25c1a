// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sched

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/fault"
)

// RunState tracks per-block status, reasons, and produced artifacts for
// one run. All status changes go through Transition, which enforces the
// legal transition table.
//
// # Thread Safety
//
// RunState is safe for concurrent use. The executor funnels all writes
// through its outcome loop, but collaborators may read concurrently.
type RunState struct {
	mu        sync.RWMutex
	statuses  map[string]block.Status
	reasons   map[string]string
	artifacts map[string]map[string][]byte // blockID -> path -> content
	started   time.Time
}

// NewRunState initializes a run over the graph's blocks, all NotStarted.
func NewRunState(g *Graph) *RunState {
	s := &RunState{
		statuses:  make(map[string]block.Status, g.Len()),
		reasons:   make(map[string]string),
		artifacts: make(map[string]map[string][]byte),
		started:   time.Now(),
	}
	for _, id := range g.BlockIDs() {
		s.statuses[id] = block.NotStarted
	}
	return s
}

// Status returns the current status of a block.
func (s *RunState) Status(id string) block.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[id]
}

// Reason returns the recorded status reason for a block, if any.
func (s *RunState) Reason(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reasons[id]
}

// Transition moves a block to next, recording the reason. Illegal
// transitions return a structural fault and leave the status unchanged.
func (s *RunState) Transition(id string, next block.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.statuses[id]
	if !ok {
		return fault.New(fault.KindMissingDependency, id, "unknown block %q", id)
	}
	if !cur.CanTransition(next) {
		return fault.New(fault.KindValidationFailure, id,
			"illegal status transition %s -> %s for block %q", cur, next, id)
	}
	s.statuses[id] = next
	if reason != "" {
		s.reasons[id] = reason
	}
	return nil
}

// Defer marks a Blocked or Failed block as intentionally postponed. This
// is the entry point for external triage decisions.
func (s *RunState) Defer(id, reason string) error {
	return s.Transition(id, block.Deferred, reason)
}

// RecordArtifacts stores the artifacts produced by a block, replacing any
// previous attempt's output.
func (s *RunState) RecordArtifacts(id string, artifacts map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[id] = artifacts
}

// Artifacts returns the artifacts recorded for a block.
func (s *RunState) Artifacts(id string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifacts[id]
}

// AllArtifacts flattens every block's artifacts into one path-keyed map.
// Later blocks win on path collisions.
func (s *RunState) AllArtifacts() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for _, m := range s.artifacts {
		for path, content := range m {
			out[path] = content
		}
	}
	return out
}

// Succeeded reports whether a block reached a successful terminal status.
func (s *RunState) Succeeded(id string) bool {
	return s.Status(id).Succeeded()
}

// snapshot is the serializable view of RunState used for checkpointing.
type snapshot struct {
	Statuses map[string]block.Status `json:"statuses"`
	Reasons  map[string]string       `json:"reasons,omitempty"`
	Started  time.Time               `json:"started"`
}

// Snapshot returns a copy of the run state suitable for serialization.
func (s *RunState) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		Statuses: make(map[string]block.Status, len(s.statuses)),
		Reasons:  make(map[string]string, len(s.reasons)),
		Started:  s.started,
	}
	for id, st := range s.statuses {
		snap.Statuses[id] = st
	}
	for id, r := range s.reasons {
		snap.Reasons[id] = r
	}
	return snap
}

// Restore overwrites statuses and reasons from a checkpoint snapshot.
// Artifacts recorded since the snapshot are kept; a reverted block's next
// attempt replaces its output wholesale.
func (s *RunState) Restore(snap *checkpoint.Snapshot) error {
	var st snapshot
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return fault.Wrap(fault.KindSerialization, snap.Meta.ID, err)
	}
	if st.Statuses == nil {
		return fault.New(fault.KindSerialization, snap.Meta.ID, "checkpoint state has no statuses")
	}
	if st.Reasons == nil {
		st.Reasons = make(map[string]string)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = st.Statuses
	s.reasons = st.Reasons
	return nil
}

// Counts tallies blocks by status.
func (s *RunState) Counts() map[block.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[block.Status]int)
	for _, st := range s.statuses {
		out[st]++
	}
	return out
}

// String summarizes the run state for logs.
func (s *RunState) String() string {
	counts := s.Counts()
	return fmt.Sprintf("completed=%d issues=%d failed=%d deferred=%d",
		counts[block.Completed], counts[block.CompletedWithIssues],
		counts[block.Failed], counts[block.Deferred])
}
