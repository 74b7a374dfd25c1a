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
	"fmt"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/recovery"
)

// blockOp adapts one block execution to the recovery manager's Operation
// contract. Retries re-run the full block; Simplify re-runs a reduced-scope
// variant (the first half of the steps, flagged Reduced for the generator);
// Subdivide re-runs each step as an independent unit. Successful variants
// merge their artifacts and report into the root op, which the outcome loop
// reads after recovery settles.
type blockOp struct {
	ex    *Executor
	b     *block.Block
	steps []block.Step
	scope Scope
	sink  *blockOp // root op collecting artifacts; self for the root

	artifacts map[string][]byte
	report    ValidationReport
	attempts  int
}

var (
	_ recovery.Operation    = (*blockOp)(nil)
	_ recovery.Simplifiable = (*blockOp)(nil)
	_ recovery.Subdividable = (*blockOp)(nil)
)

func newBlockOp(ex *Executor, b *block.Block) *blockOp {
	op := &blockOp{ex: ex, b: b, steps: b.Steps}
	op.sink = op
	return op
}

func (o *blockOp) ID() string { return o.b.ID }

func (o *blockOp) Run(ctx context.Context) error {
	scope := o.scope
	scope.Attempt = o.sink.attempts
	o.sink.attempts++

	arts, rep, err := o.ex.executeSteps(ctx, o.b, o.steps, scope)
	if err != nil {
		return err
	}

	if o.sink.artifacts == nil {
		o.sink.artifacts = make(map[string][]byte, len(arts))
	}
	for path, content := range arts {
		o.sink.artifacts[path] = content
	}
	o.sink.report = rep
	return nil
}

// Simplify returns a reduced-scope variant running the first half of the
// steps, rounded up, with the Reduced hint set.
func (o *blockOp) Simplify() recovery.Operation {
	n := (len(o.steps) + 1) / 2
	if n == 0 {
		n = len(o.steps)
	}
	return &blockOp{
		ex:    o.ex,
		b:     o.b,
		steps: o.steps[:n],
		scope: Scope{Reduced: true},
		sink:  o.sink,
	}
}

// Subdivide splits the block into one unit per step.
func (o *blockOp) Subdivide() []recovery.Operation {
	if len(o.steps) <= 1 {
		return []recovery.Operation{o}
	}
	units := make([]recovery.Operation, 0, len(o.steps))
	for _, step := range o.steps {
		units = append(units, &blockOp{
			ex:    o.ex,
			b:     o.b,
			steps: []block.Step{step},
			scope: o.scope,
			sink:  o.sink,
		})
	}
	return units
}

// String implements fmt.Stringer for log output.
func (o *blockOp) String() string {
	return fmt.Sprintf("block %s (%d steps)", o.b.ID, len(o.steps))
}
