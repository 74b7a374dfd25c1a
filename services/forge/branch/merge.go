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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/forge/services/forge/fault"
)

// Conflict is one contested path between two branches.
type Conflict struct {
	Path    string `json:"path"`
	BranchA string `json:"branch_a"`
	BranchB string `json:"branch_b"`
	Reason  string `json:"reason"`
}

// ConflictResolver decides contested paths during a merge. Resolve
// returns the merged content and true, or false to leave the conflict
// unresolved.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict, a, b []byte) ([]byte, bool, error)
}

// detectResolver is the default resolver: it never resolves, so every
// conflict surfaces in the merge report.
type detectResolver struct{}

func (detectResolver) Resolve(context.Context, Conflict, []byte, []byte) ([]byte, bool, error) {
	return nil, false, nil
}

// MergeResult is the outcome of branch selection and merge.
type MergeResult struct {
	// Winner is the highest-scoring branch; its artifacts seed the merge.
	Winner string `json:"winner"`

	// Artifacts is the merged artifact set by path.
	Artifacts map[string][]byte `json:"-"`

	// MergedFrom lists every branch that contributed at least one path.
	MergedFrom []string `json:"merged_from"`

	// Conflicts lists contested paths left unresolved by the resolver.
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// SelectAndMerge picks the best evaluated branch and folds the other
// evaluated branches' non-conflicting changes in behind it.
//
// # Description
//
// Branches are taken in descending overall score. The winner's artifacts
// seed the merged set; each further branch contributes paths it alone
// changed. A path two branches changed to different content is a
// conflict: patch artifacts conflict only when their hunks overlap,
// whole-file artifacts conflict on any content difference. Conflicts go
// through the resolver; whatever stays unresolved fails the merge with a
// merge fault, leaving branch statuses untouched so a different resolver
// can retry.
//
// Outputs:
//
//	*MergeResult - The merged artifacts and contribution report.
//	error - A no-branches fault when nothing was evaluated, or a merge
//	        fault when unresolved conflicts remain.
func (c *Coordinator) SelectAndMerge(ctx context.Context) (*MergeResult, error) {
	ranked := c.Evaluate()
	if len(ranked) == 0 {
		return nil, fault.New(fault.KindNoBranchesAvailable, "",
			"no implemented branches to select from")
	}

	winner := ranked[0]
	res := &MergeResult{
		Winner:     winner.ID,
		Artifacts:  make(map[string][]byte, len(winner.Artifacts)),
		MergedFrom: []string{winner.ID},
	}
	owner := make(map[string]string, len(winner.Artifacts))
	for path, content := range winner.Artifacts {
		res.Artifacts[path] = content
		owner[path] = winner.ID
	}

	for _, br := range ranked[1:] {
		contributed := false
		paths := make([]string, 0, len(br.Artifacts))
		for path := range br.Artifacts {
			paths = append(paths, path)
		}
		sort.Strings(paths)

		for _, path := range paths {
			content := br.Artifacts[path]
			held, taken := res.Artifacts[path]
			if !taken {
				res.Artifacts[path] = content
				owner[path] = br.ID
				contributed = true
				continue
			}
			if bytes.Equal(held, content) {
				continue
			}

			conflict := Conflict{
				Path:    path,
				BranchA: owner[path],
				BranchB: br.ID,
				Reason:  "both branches changed the path",
			}
			if isPatch(path) && !patchesOverlap(held, content) {
				// Independent hunks on the same target compose.
				res.Artifacts[path] = append(append([]byte(nil), held...), content...)
				contributed = true
				continue
			}

			merged, ok, err := c.resolver.Resolve(ctx, conflict, held, content)
			if err != nil {
				return nil, fault.Wrap(fault.KindMergeConflict, path, err)
			}
			if ok {
				res.Artifacts[path] = merged
				contributed = true
				continue
			}
			res.Conflicts = append(res.Conflicts, conflict)
		}
		if contributed {
			res.MergedFrom = append(res.MergedFrom, br.ID)
		}
	}

	if len(res.Conflicts) > 0 {
		paths := make([]string, 0, len(res.Conflicts))
		for _, cf := range res.Conflicts {
			paths = append(paths, cf.Path)
		}
		return res, fault.New(fault.KindMergeConflict, res.Conflicts[0].Path,
			"%d unresolved merge conflicts: %s", len(res.Conflicts), strings.Join(paths, ", "))
	}

	for _, br := range ranked {
		if br.ID == winner.ID {
			br.transition(Selected, "")
			br.transition(Merged, "")
			continue
		}
		merged := false
		for _, id := range res.MergedFrom {
			if id == br.ID {
				merged = true
				break
			}
		}
		if merged {
			br.transition(Merged, "")
		} else {
			br.transition(Rejected, "lost selection")
		}
	}

	c.logger.Info("branches merged",
		slog.String("winner", winner.ID),
		slog.Int("contributors", len(res.MergedFrom)),
		slog.Int("artifacts", len(res.Artifacts)))
	return res, nil
}

// isPatch reports whether an artifact path carries unified-diff content.
func isPatch(path string) bool {
	return strings.HasSuffix(path, ".patch") || strings.HasSuffix(path, ".diff")
}

// patchesOverlap reports whether two unified diffs touch overlapping line
// ranges of the same original file. Unparseable patches are treated as
// overlapping so malformed input falls back to conflict handling.
func patchesOverlap(a, b []byte) bool {
	hunksA, err := hunkRanges(a)
	if err != nil {
		return true
	}
	hunksB, err := hunkRanges(b)
	if err != nil {
		return true
	}

	for file, ranges := range hunksA {
		for _, ra := range ranges {
			for _, rb := range hunksB[file] {
				if ra.start < rb.end && rb.start < ra.end {
					return true
				}
			}
		}
	}
	return false
}

type lineRange struct {
	start, end int32 // [start, end) over original line numbers
}

// hunkRanges parses a unified diff and maps each original file to its
// hunks' line ranges.
func hunkRanges(patch []byte) (map[string][]lineRange, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(bytes.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, err
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("no file diffs in patch")
	}

	out := make(map[string][]lineRange, len(fileDiffs))
	for _, fd := range fileDiffs {
		name := fd.OrigName
		if name == "" || name == "/dev/null" {
			name = fd.NewName
		}
		for _, h := range fd.Hunks {
			end := h.OrigStartLine + h.OrigLines
			if h.OrigLines == 0 {
				// Pure insertion occupies a point between lines.
				end = h.OrigStartLine + 1
			}
			out[name] = append(out[name], lineRange{start: h.OrigStartLine, end: end})
		}
	}
	return out, nil
}
