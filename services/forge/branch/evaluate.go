// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package branch

import (
	"bytes"
	"strings"
	"time"

	"github.com/AleutianAI/forge/services/forge/block"
)

// ScoreWeights tunes the overall branch score across the four evaluation
// dimensions. Weights are relative; Evaluate normalizes by their sum.
type ScoreWeights struct {
	Quality         float64 `json:"quality" yaml:"quality" validate:"gte=0"`
	Functionality   float64 `json:"functionality" yaml:"functionality" validate:"gte=0"`
	Performance     float64 `json:"performance" yaml:"performance" validate:"gte=0"`
	Maintainability float64 `json:"maintainability" yaml:"maintainability" validate:"gte=0"`
}

// DefaultScoreWeights returns the standard weighting, favoring outcome
// over presentation.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Quality:         0.3,
		Functionality:   0.3,
		Performance:     0.2,
		Maintainability: 0.2,
	}
}

// Score holds a branch's subscores and weighted overall, all in [0, 1].
type Score struct {
	Quality         float64 `json:"quality"`
	Functionality   float64 `json:"functionality"`
	Performance     float64 `json:"performance"`
	Maintainability float64 `json:"maintainability"`
	Overall         float64 `json:"overall"`
}

// diffSizeScale is the changed-byte volume at which the diff-size
// heuristic halves. Smaller diffs score closer to 1.
const diffSizeScale = 16 * 1024

// scoreBranch computes a branch's score against the baseline artifact
// set. Pure function of its inputs, so re-evaluating a settled branch is
// stable.
func scoreBranch(b *Branch, baseline map[string][]byte, w ScoreWeights) Score {
	s := Score{
		Quality:         qualityScore(b),
		Functionality:   functionalityScore(b),
		Performance:     performanceScore(b),
		Maintainability: maintainabilityScore(b, baseline),
	}

	total := w.Quality + w.Functionality + w.Performance + w.Maintainability
	if total <= 0 {
		return s
	}
	s.Overall = (s.Quality*w.Quality +
		s.Functionality*w.Functionality +
		s.Performance*w.Performance +
		s.Maintainability*w.Maintainability) / total
	return s
}

// functionalityScore is the fraction of planned blocks that reached a
// successful terminal status.
func functionalityScore(b *Branch) float64 {
	if b.Result == nil || len(b.Result.Statuses) == 0 {
		return 0
	}
	done := 0
	for _, st := range b.Result.Statuses {
		if st.Succeeded() {
			done++
		}
	}
	return float64(done) / float64(len(b.Result.Statuses))
}

// qualityScore starts from the clean-completion fraction and discounts
// blocks that completed with issues at half weight.
func qualityScore(b *Branch) float64 {
	if b.Result == nil || len(b.Result.Statuses) == 0 {
		return 0
	}
	score := 0.0
	for _, st := range b.Result.Statuses {
		switch st {
		case block.Completed:
			score += 1.0
		case block.CompletedWithIssues:
			score += 0.5
		}
	}
	return score / float64(len(b.Result.Statuses))
}

// performanceScore rewards branches that finished within their estimated
// effort. Branches without estimates score neutral.
func performanceScore(b *Branch) float64 {
	if b.Result == nil {
		return 0
	}
	var est time.Duration
	for _, blk := range b.Approach.Blocks {
		est += blk.EstimatedEffort
	}
	if est <= 0 {
		return 0.5
	}
	if b.Result.Duration <= est {
		return 1.0
	}
	return float64(est) / float64(b.Result.Duration)
}

// maintainabilityScore blends change volume against the baseline with how
// well the approach explains itself: small, well-described changes are the
// easiest to keep.
func maintainabilityScore(b *Branch, baseline map[string][]byte) float64 {
	return (diffSizeScore(b, baseline) + descriptionScore(b.Approach.Description)) / 2
}

// diffSizeScore rewards smaller change volume relative to the baseline:
// 1 for no changes, asymptotically 0 for very large ones.
func diffSizeScore(b *Branch, baseline map[string][]byte) float64 {
	changed := 0
	for path, content := range b.Artifacts {
		if base, ok := baseline[path]; ok && bytes.Equal(base, content) {
			continue
		}
		changed += len(content)
	}
	return float64(diffSizeScale) / float64(diffSizeScale+changed)
}

// descriptionScore rewards approaches that explain themselves; saturates
// at twenty words.
func descriptionScore(desc string) float64 {
	words := len(strings.Fields(desc))
	if words >= 20 {
		return 1.0
	}
	return float64(words) / 20.0
}
