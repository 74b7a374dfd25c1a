// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package block defines the implementation-block data model: the unit of
// schedulable work, its dependency edges, and its status state machine.
//
// Blocks are created by the external planner and mutated only by the
// scheduler and the recovery manager. Blocks are never deleted: failed and
// deferred blocks remain in the plan as historical record.
package block

import (
	"time"
)

// Block is a discrete, independently schedulable unit of work.
//
// # Thread Safety
//
// Block is a plain value owned by the scheduler once a plan is built.
// Workers never mutate blocks directly; they report outcomes through the
// scheduler's outcome channel.
type Block struct {
	// ID uniquely identifies the block within a plan.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description is a human-readable summary of the work.
	Description string `json:"description" yaml:"description"`

	// Priority is the base priority score before graph-derived bonuses.
	Priority float64 `json:"priority" yaml:"priority"`

	// RiskFactor is a bounded [0,1] estimate of implementation risk.
	RiskFactor float64 `json:"risk_factor" yaml:"risk_factor" validate:"gte=0,lte=1"`

	// SecurityCritical marks blocks that touch security-sensitive surface.
	SecurityCritical bool `json:"security_critical" yaml:"security_critical"`

	// Steps are the ordered execution steps performed by the generation
	// collaborator under scheduler control.
	Steps []Step `json:"steps" yaml:"steps"`

	// EstimatedEffort is the planner's duration estimate, used for
	// critical-path weighting and execution timeouts.
	EstimatedEffort time.Duration `json:"estimated_effort" yaml:"estimated_effort"`

	// ValidationCriteria are handed to the validation collaborator when the
	// block's steps complete.
	ValidationCriteria []string `json:"validation_criteria" yaml:"validation_criteria"`

	// Status is the block's current state-machine position.
	Status Status `json:"status" yaml:"status"`

	// StatusReason explains the current status; required for every terminal
	// status so no block is ever silently dropped from progress reporting.
	StatusReason string `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`

	// OnCriticalPath is set by the scheduler's critical-path analysis.
	OnCriticalPath bool `json:"on_critical_path" yaml:"on_critical_path"`
}

// Step is one unit of collaborator work within a block.
type Step struct {
	// Name identifies the step within its block.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Prompt is the instruction handed to the generation collaborator.
	Prompt string `json:"prompt" yaml:"prompt"`

	// TargetPath is the artifact path this step produces or modifies.
	TargetPath string `json:"target_path,omitempty" yaml:"target_path,omitempty"`
}

// DependencyKind classifies a dependency edge.
type DependencyKind int

const (
	// RequiredBefore gates execution: the prerequisite must reach a terminal
	// successful state before the dependent block may start.
	RequiredBefore DependencyKind = iota

	// RequiredForCompletion gates completion: work may start earlier, but the
	// block is not done until the prerequisite succeeds. For scheduling
	// purposes this gates the Ready transition like RequiredBefore.
	RequiredForCompletion

	// Influences affects ordering and priority only.
	Influences

	// ProvidesInformation is informational only.
	ProvidesInformation

	// Alternative marks the prerequisite as interchangeable with this block.
	Alternative
)

// String returns the kind name used in logs.
func (k DependencyKind) String() string {
	switch k {
	case RequiredBefore:
		return "required_before"
	case RequiredForCompletion:
		return "required_for_completion"
	case Influences:
		return "influences"
	case ProvidesInformation:
		return "provides_information"
	case Alternative:
		return "alternative"
	default:
		return "unknown"
	}
}

// Gating reports whether this edge kind blocks execution. Only gating edges
// participate in cycle detection; the rest are advisory.
func (k DependencyKind) Gating() bool {
	return k == RequiredBefore || k == RequiredForCompletion
}

// Dependency is a directed edge from a block to a prerequisite block.
type Dependency struct {
	// BlockID is the dependent block.
	BlockID string `json:"block_id" yaml:"block_id" validate:"required"`

	// DependsOn is the prerequisite block.
	DependsOn string `json:"depends_on" yaml:"depends_on" validate:"required"`

	// Kind classifies the edge.
	Kind DependencyKind `json:"kind" yaml:"kind"`
}
