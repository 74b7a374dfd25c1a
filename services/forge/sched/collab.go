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
	"context"

	"github.com/AleutianAI/forge/services/forge/block"
)

// Generator produces the artifact content for a single step of a block.
// Implementations own model invocation, templating, and post-processing;
// the scheduler only cares about the bytes and the error.
//
// Implementations must honor ctx cancellation.
type Generator interface {
	// Generate returns the artifact bytes for step within b. scope carries
	// execution hints such as reduced-scope retries.
	Generate(ctx context.Context, b *block.Block, step block.Step, scope Scope) ([]byte, error)
}

// Validator checks a completed block's artifacts against its validation
// criteria.
type Validator interface {
	Validate(ctx context.Context, b *block.Block, artifacts map[string][]byte) (ValidationReport, error)
}

// Scope carries execution hints into a Generator call.
type Scope struct {
	// Reduced is set when the block is re-run as a reduced-scope variant
	// after repeated failures.
	Reduced bool

	// Attempt counts prior executions of this block within the run,
	// starting at 0.
	Attempt int
}

// ValidationReport is the outcome of validating one block.
type ValidationReport struct {
	// Passed is true when the artifacts satisfy every hard criterion.
	Passed bool `json:"passed"`

	// Issues lists non-blocking problems. A passing report with issues
	// completes the block as CompletedWithIssues.
	Issues []string `json:"issues,omitempty"`

	// Metrics holds validator-specific measurements (coverage, lint
	// counts, and similar).
	Metrics map[string]float64 `json:"metrics,omitempty"`
}
