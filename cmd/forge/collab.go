// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/sched"
)

// scaffoldGenerator is the built-in generator: it materializes each step
// as an annotated scaffold file. It stands in where no model backend is
// wired; the orchestration around it (ordering, retries, checkpoints,
// branches) behaves identically either way.
type scaffoldGenerator struct{}

func (scaffoldGenerator) Generate(ctx context.Context, b *block.Block, step block.Step, scope sched.Scope) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Block: %s\n", b.ID)
	fmt.Fprintf(&buf, "// Step: %s\n", step.Name)
	if scope.Reduced {
		buf.WriteString("// Scope: reduced\n")
	}
	buf.WriteString("//\n")
	fmt.Fprintf(&buf, "// %s\n", step.Prompt)
	return buf.Bytes(), nil
}

// criteriaValidator is the built-in validator: artifacts must exist and
// be non-empty; unverifiable criteria are surfaced as issues rather than
// failures.
type criteriaValidator struct{}

func (criteriaValidator) Validate(ctx context.Context, b *block.Block, artifacts map[string][]byte) (sched.ValidationReport, error) {
	if err := ctx.Err(); err != nil {
		return sched.ValidationReport{}, err
	}

	report := sched.ValidationReport{Passed: true, Metrics: map[string]float64{
		"artifacts": float64(len(artifacts)),
	}}
	if len(artifacts) == 0 && len(b.Steps) > 0 {
		report.Passed = false
		report.Issues = append(report.Issues, "no artifacts produced")
		return report, nil
	}
	for path, content := range artifacts {
		if len(content) == 0 {
			report.Passed = false
			report.Issues = append(report.Issues, fmt.Sprintf("artifact %s is empty", path))
		}
	}
	for _, criterion := range b.ValidationCriteria {
		report.Issues = append(report.Issues,
			fmt.Sprintf("criterion %q needs manual verification", criterion))
	}
	return report, nil
}
