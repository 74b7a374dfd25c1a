// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault defines the error taxonomy shared by all forge components.
//
// Every failure that crosses a component boundary is represented as a *Fault
// tagged with a Category and a Kind. Collaborator errors (generation,
// validation, storage drivers) are converted into faults at the call site via
// the Wrap helpers; raw collaborator error types never travel through the
// core.
//
// # Categories
//
//   - Structural: graph build problems. Always fatal, never retried.
//   - Resource: a monitored limit was exceeded.
//   - Execution: a block's execution step failed.
//   - Persistence: checkpoint store problems.
//   - Merge: branch selection/merge problems.
//
// # Thread Safety
//
// Faults are immutable after creation and safe to share across goroutines.
package fault

import (
	"errors"
	"fmt"
)

// Category groups fault kinds by how the engine reacts to them.
type Category int

const (
	// CategoryStructural covers graph-build failures (cycles, dangling
	// dependency references). Raised before any execution; always fatal.
	CategoryStructural Category = iota

	// CategoryResource covers monitored limit violations.
	CategoryResource

	// CategoryExecution covers block execution-step failures.
	CategoryExecution

	// CategoryPersistence covers checkpoint store failures.
	CategoryPersistence

	// CategoryMerge covers branch evaluation and merge failures.
	CategoryMerge
)

// String returns the category name used in logs and metrics labels.
func (c Category) String() string {
	switch c {
	case CategoryStructural:
		return "structural"
	case CategoryResource:
		return "resource"
	case CategoryExecution:
		return "execution"
	case CategoryPersistence:
		return "persistence"
	case CategoryMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Kind identifies the precise failure within a category.
type Kind int

const (
	KindUnknown Kind = iota

	// Structural kinds.
	KindCycleDetected
	KindMissingDependency

	// Resource kinds.
	KindMemoryLimitExceeded
	KindCPULimitExceeded
	KindDiskLimitExceeded

	// Execution kinds.
	KindGenerationFailure
	KindValidationFailure
	KindBuildError
	KindTimeout

	// Persistence kinds.
	KindCheckpointNotFound
	KindSerialization
	KindIO

	// Merge kinds.
	KindBranchNotFound
	KindMergeConflict
	KindNoBranchesAvailable
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindCycleDetected:
		return "cycle_detected"
	case KindMissingDependency:
		return "missing_dependency"
	case KindMemoryLimitExceeded:
		return "memory_limit_exceeded"
	case KindCPULimitExceeded:
		return "cpu_limit_exceeded"
	case KindDiskLimitExceeded:
		return "disk_limit_exceeded"
	case KindGenerationFailure:
		return "generation_failure"
	case KindValidationFailure:
		return "validation_failure"
	case KindBuildError:
		return "build_error"
	case KindTimeout:
		return "timeout"
	case KindCheckpointNotFound:
		return "checkpoint_not_found"
	case KindSerialization:
		return "serialization"
	case KindIO:
		return "io"
	case KindBranchNotFound:
		return "branch_not_found"
	case KindMergeConflict:
		return "merge_conflict"
	case KindNoBranchesAvailable:
		return "no_branches_available"
	default:
		return "unknown"
	}
}

// ParseKind maps a kind name (as produced by String) back to its Kind.
//
// Outputs:
//
//	Kind - The matching kind, or KindUnknown.
//	bool - False when the name matches no kind.
func ParseKind(name string) (Kind, bool) {
	for k := KindCycleDetected; k <= KindNoBranchesAvailable; k++ {
		if k.String() == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Category returns the category a kind belongs to.
func (k Kind) Category() Category {
	switch k {
	case KindCycleDetected, KindMissingDependency:
		return CategoryStructural
	case KindMemoryLimitExceeded, KindCPULimitExceeded, KindDiskLimitExceeded:
		return CategoryResource
	case KindGenerationFailure, KindValidationFailure, KindBuildError, KindTimeout:
		return CategoryExecution
	case KindCheckpointNotFound, KindSerialization, KindIO:
		return CategoryPersistence
	case KindBranchNotFound, KindMergeConflict, KindNoBranchesAvailable:
		return CategoryMerge
	default:
		return CategoryExecution
	}
}

// Fault is a categorized engine error, optionally wrapping a cause.
//
// # Description
//
// Fault carries the taxonomy tags plus the identifier of the block (or
// checkpoint, or branch) the failure is scoped to, so progress reporting can
// attach a reason to every terminal status.
type Fault struct {
	Kind    Kind
	Subject string // block/checkpoint/branch identifier, may be empty
	Msg     string
	Cause   error
}

// New creates a fault with a formatted message and no cause.
func New(kind Kind, subject string, format string, args ...any) *Fault {
	return &Fault{
		Kind:    kind,
		Subject: subject,
		Msg:     fmt.Sprintf(format, args...),
	}
}

// Wrap converts an external error into a fault at the collaborator boundary.
// A nil cause returns nil.
func Wrap(kind Kind, subject string, cause error) *Fault {
	if cause == nil {
		return nil
	}
	return &Fault{
		Kind:    kind,
		Subject: subject,
		Msg:     cause.Error(),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	cat := f.Kind.Category().String()
	if f.Subject != "" {
		return fmt.Sprintf("%s/%s [%s]: %s", cat, f.Kind, f.Subject, f.Msg)
	}
	return fmt.Sprintf("%s/%s: %s", cat, f.Kind, f.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Category returns the fault's category.
func (f *Fault) Category() Category {
	return f.Kind.Category()
}

// Fatal reports whether the fault must surface immediately without any
// policy-governed recovery. Structural faults and checkpoint-load failures
// are fatal; everything else is routed through the recovery manager first.
func (f *Fault) Fatal() bool {
	if f.Kind.Category() == CategoryStructural {
		return true
	}
	return f.Kind == KindCheckpointNotFound
}

// KindOf extracts the fault kind from an error chain.
//
// Outputs:
//
//	Kind - The kind of the first *Fault in the chain, or KindUnknown.
//	bool - False if no *Fault is present in the chain.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return KindUnknown, false
}

// IsKind reports whether the error chain contains a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// CategoryOf extracts the fault category from an error chain.
// Errors that are not faults are treated as execution failures, matching the
// conversion-boundary rule: anything unclassified came from an execution step.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind.Category()
	}
	return CategoryExecution
}
