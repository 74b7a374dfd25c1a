// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package block

// Status is a block's position in the execution state machine.
//
// # State Machine
//
//	NotStarted → Ready → InProgress → {Completed | CompletedWithIssues | Failed}
//	Failed → InProgress   (bounded retry via the recovery manager)
//	Failed → Deferred     (terminal for this run, external decision)
//	NotStarted/Ready ↔ Blocked (hard prerequisite unsatisfied / satisfied)
//
// Completed, CompletedWithIssues and Deferred are terminal for the current
// pass.
type Status int

const (
	// NotStarted is the initial state assigned by the planner.
	NotStarted Status = iota

	// Ready means every gating prerequisite reached a terminal success state.
	Ready

	// InProgress means a worker is executing the block's steps.
	InProgress

	// Blocked means a RequiredBefore prerequisite has not reached a terminal
	// success state (entered from NotStarted/Ready, exits back to Ready).
	Blocked

	// Completed means execution and validation succeeded.
	Completed

	// CompletedWithIssues means execution finished but validation reported
	// non-blocking problems.
	CompletedWithIssues

	// Failed means execution failed and the recovery manager declined to
	// retry (or retries were exhausted).
	Failed

	// Deferred means the block was explicitly parked for this run.
	Deferred
)

// String returns the status name used in logs and progress reports.
func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Ready:
		return "ready"
	case InProgress:
		return "in_progress"
	case Blocked:
		return "blocked"
	case Completed:
		return "completed"
	case CompletedWithIssues:
		return "completed_with_issues"
	case Failed:
		return "failed"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends the block's participation in the
// current pass. Failed is terminal only once the recovery manager has
// declined further retries; the scheduler models a retrying block as a
// Failed → InProgress transition.
func (s Status) Terminal() bool {
	switch s {
	case Completed, CompletedWithIssues, Failed, Deferred:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the status counts as terminal success for
// dependency gating.
func (s Status) Succeeded() bool {
	return s == Completed || s == CompletedWithIssues
}

// CanTransition reports whether the state machine permits moving from s to
// next. The scheduler and recovery manager are the only legal callers of
// status mutation, and both consult this table first.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case NotStarted:
		return next == Ready || next == Blocked
	case Ready:
		return next == InProgress || next == Blocked
	case Blocked:
		return next == Ready || next == Failed || next == Deferred
	case InProgress:
		return next == Completed || next == CompletedWithIssues || next == Failed
	case Failed:
		// Bounded retry, or an external decision to park the block.
		return next == InProgress || next == Deferred
	default:
		// Completed, CompletedWithIssues, Deferred are terminal.
		return false
	}
}
