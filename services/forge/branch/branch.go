// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package branch explores alternative implementation approaches in
// isolation: each approach gets its own plan, scheduler run, and
// checkpoint lineage, then the results are scored, compared, and merged
// back into a single artifact set.
package branch

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/sched"
)

// Status is a branch's lifecycle state.
type Status int

const (
	// Created means the branch exists but has not started executing.
	Created Status = iota

	// Implementing means the branch's scheduler run is in flight.
	Implementing

	// Implemented means the run finished and artifacts are available.
	Implemented

	// Evaluated means subscores and an overall score are attached.
	Evaluated

	// Selected means the branch won selection and feeds the merge.
	Selected

	// Merged means the branch's artifacts landed in the merged set.
	Merged

	// Rejected means the branch lost selection.
	Rejected

	// Abandoned means the branch failed or was cancelled before
	// evaluation.
	Abandoned
)

// String satisfies fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Implementing:
		return "implementing"
	case Implemented:
		return "implemented"
	case Evaluated:
		return "evaluated"
	case Selected:
		return "selected"
	case Merged:
		return "merged"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the branch will change state again.
func (s Status) Terminal() bool {
	return s == Merged || s == Rejected || s == Abandoned
}

// Approach is one candidate implementation strategy: its own plan over
// its own blocks.
type Approach struct {
	ID          string             `json:"id" yaml:"id" validate:"required"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	Blocks      []*block.Block     `json:"blocks" yaml:"blocks" validate:"required,min=1"`
	Deps        []block.Dependency `json:"dependencies" yaml:"dependencies"`
}

// Branch is one isolated exploration of an approach.
//
// # Thread Safety
//
// Field access is guarded by the owning Coordinator; a Branch handed out
// by Branches() is a snapshot-safe read as long as the run has settled.
type Branch struct {
	ID            string
	Approach      Approach
	Status        Status
	StatusNote    string
	Created       time.Time
	Result        *sched.Result
	Artifacts     map[string][]byte
	Score         *Score
	CheckpointDir string

	mu sync.Mutex
}

// transition moves the branch to next with an optional note. The branch
// lifecycle is a straight line with early exits, so ordering alone is
// enforced.
func (b *Branch) transition(next Status, note string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Status = next
	if note != "" {
		b.StatusNote = note
	}
}

// status reads the branch status under lock.
func (b *Branch) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Status
}
