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
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/fault"
	"github.com/AleutianAI/forge/services/forge/sched"
)

// scriptedRunner returns canned results per branch ID.
type scriptedRunner struct {
	results   map[string]*sched.Result
	artifacts map[string]map[string][]byte
	fail      map[string]error
}

func (r *scriptedRunner) Run(_ context.Context, br *Branch) (*sched.Result, map[string][]byte, error) {
	if err := r.fail[br.ID]; err != nil {
		return nil, nil, err
	}
	res := r.results[br.ID]
	if res == nil {
		res = &sched.Result{Statuses: map[string]block.Status{"b1": block.Completed}}
	}
	return res, r.artifacts[br.ID], nil
}

func approach(id string, desc string) Approach {
	return Approach{
		ID:          id,
		Name:        id,
		Description: desc,
		Blocks:      []*block.Block{{ID: "b1", Description: "only block"}},
	}
}

func resultWith(statuses map[string]block.Status) *sched.Result {
	return &sched.Result{Statuses: statuses}
}

func TestSpawn_RunsAllBranchesAndSurvivesFailure(t *testing.T) {
	runner := &scriptedRunner{
		artifacts: map[string]map[string][]byte{
			"good": {"main.go": []byte("package main")},
		},
		fail: map[string]error{"bad": errors.New("branch blew up")},
	}
	c, err := NewCoordinator(runner, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}

	err = c.Spawn(context.Background(), []Approach{approach("good", ""), approach("bad", "")})
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	good, _ := c.Branch("good")
	if good.status() != Implemented {
		t.Fatalf("good branch = %s, want implemented", good.status())
	}
	bad, _ := c.Branch("bad")
	if bad.status() != Abandoned {
		t.Fatalf("bad branch = %s, want abandoned", bad.status())
	}
	if bad.StatusNote == "" {
		t.Error("abandoned branch should record the failure reason")
	}
}

func TestSpawn_RejectsDuplicateApproachIDs(t *testing.T) {
	c, _ := NewCoordinator(&scriptedRunner{}, nil, DefaultConfig())
	err := c.Spawn(context.Background(), []Approach{approach("a", ""), approach("a", "")})
	if !errors.Is(err, sched.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEvaluate_RanksCleanBranchFirst(t *testing.T) {
	runner := &scriptedRunner{
		results: map[string]*sched.Result{
			"clean": resultWith(map[string]block.Status{
				"b1": block.Completed, "b2": block.Completed,
			}),
			"rough": resultWith(map[string]block.Status{
				"b1": block.CompletedWithIssues, "b2": block.Failed,
			}),
		},
	}
	c, _ := NewCoordinator(runner, nil, DefaultConfig())
	desc := "a reasonably detailed description of the strategy taken here"
	if err := c.Spawn(context.Background(), []Approach{approach("clean", desc), approach("rough", desc)}); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	ranked := c.Evaluate()
	if len(ranked) != 2 {
		t.Fatalf("expected two evaluated branches, got %d", len(ranked))
	}
	if ranked[0].ID != "clean" {
		t.Fatalf("clean branch should rank first, got %s", ranked[0].ID)
	}
	for _, br := range ranked {
		if br.status() != Evaluated {
			t.Errorf("branch %s = %s, want evaluated", br.ID, br.status())
		}
		s := br.Score
		for name, v := range map[string]float64{
			"quality": s.Quality, "functionality": s.Functionality,
			"performance": s.Performance, "maintainability": s.Maintainability,
			"overall": s.Overall,
		} {
			if v < 0 || v > 1 {
				t.Errorf("branch %s %s score %v out of [0,1]", br.ID, name, v)
			}
		}
	}

	// Pure function: re-evaluation is stable.
	again := c.Evaluate()
	if *again[0].Score != *ranked[0].Score {
		t.Error("re-evaluation changed the score")
	}
}

func TestScoreBranch_EvaluationDimensions(t *testing.T) {
	br := &Branch{
		ID: "x",
		Approach: Approach{
			ID:          "x",
			Description: strings.Repeat("carefully explained strategy ", 8),
			Blocks:      []*block.Block{{ID: "b1", EstimatedEffort: time.Minute}},
		},
		Result: &sched.Result{
			Statuses: map[string]block.Status{"b1": block.Completed},
			Duration: time.Second,
		},
		Artifacts: map[string][]byte{"b1.go": []byte("package b1")},
	}

	s := scoreBranch(br, nil, DefaultScoreWeights())
	if s.Quality != 1 {
		t.Errorf("quality = %v, want 1 for clean completion", s.Quality)
	}
	if s.Functionality != 1 {
		t.Errorf("functionality = %v, want 1 with every block delivered", s.Functionality)
	}
	if s.Performance != 1 {
		t.Errorf("performance = %v, want 1 when finishing within estimate", s.Performance)
	}
	if s.Maintainability <= 0 || s.Maintainability > 1 {
		t.Errorf("maintainability = %v, want (0, 1]", s.Maintainability)
	}
	if s.Overall < 0.9 {
		t.Errorf("overall = %v, want near 1 for a clean small branch", s.Overall)
	}

	// Without effort estimates the performance dimension is neutral.
	br.Approach.Blocks[0].EstimatedEffort = 0
	if got := performanceScore(br); got != 0.5 {
		t.Errorf("performance without estimates = %v, want 0.5", got)
	}

	// An overrun discounts performance proportionally.
	br.Approach.Blocks[0].EstimatedEffort = time.Second
	br.Result.Duration = 2 * time.Second
	if got := performanceScore(br); got != 0.5 {
		t.Errorf("performance at 2x estimate = %v, want 0.5", got)
	}
}

func TestCompare_PartitionsChangeSets(t *testing.T) {
	baseline := map[string][]byte{"shared.go": []byte("v0")}
	a := &Branch{ID: "a", Artifacts: map[string][]byte{
		"shared.go": []byte("v1"),
		"same.go":   []byte("both"),
		"only_a.go": []byte("a"),
	}}
	b := &Branch{ID: "b", Artifacts: map[string][]byte{
		"shared.go": []byte("v2"),
		"same.go":   []byte("both"),
		"only_b.go": []byte("b"),
	}}

	cmp := Compare(a, b, baseline)
	if !reflect.DeepEqual(cmp.Conflicts, []string{"shared.go"}) {
		t.Errorf("conflicts = %v", cmp.Conflicts)
	}
	if !reflect.DeepEqual(cmp.Common, []string{"same.go"}) {
		t.Errorf("common = %v", cmp.Common)
	}
	if !reflect.DeepEqual(cmp.UniqueToA, []string{"only_a.go"}) {
		t.Errorf("unique to a = %v", cmp.UniqueToA)
	}
	if !reflect.DeepEqual(cmp.UniqueToB, []string{"only_b.go"}) {
		t.Errorf("unique to b = %v", cmp.UniqueToB)
	}
}

func TestSelectAndMerge_NoBranches(t *testing.T) {
	c, _ := NewCoordinator(&scriptedRunner{}, nil, DefaultConfig())
	_, err := c.SelectAndMerge(context.Background())
	if !fault.IsKind(err, fault.KindNoBranchesAvailable) {
		t.Fatalf("expected no-branches fault, got %v", err)
	}
}

func TestSelectAndMerge_SingleBranchAdoptedWholesale(t *testing.T) {
	runner := &scriptedRunner{
		artifacts: map[string]map[string][]byte{
			"solo": {"a.go": []byte("a"), "b.go": []byte("b")},
		},
	}
	c, _ := NewCoordinator(runner, nil, DefaultConfig())
	if err := c.Spawn(context.Background(), []Approach{approach("solo", "")}); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	res, err := c.SelectAndMerge(context.Background())
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if res.Winner != "solo" || len(res.Artifacts) != 2 {
		t.Fatalf("unexpected merge result: %+v", res)
	}
	br, _ := c.Branch("solo")
	if br.status() != Merged {
		t.Fatalf("solo branch = %s, want merged", br.status())
	}
}

func TestSelectAndMerge_DisjointChangesCompose(t *testing.T) {
	runner := &scriptedRunner{
		results: map[string]*sched.Result{
			"hi": resultWith(map[string]block.Status{"b1": block.Completed, "b2": block.Completed}),
			"lo": resultWith(map[string]block.Status{"b1": block.Completed, "b2": block.Failed}),
		},
		artifacts: map[string]map[string][]byte{
			"hi": {"one.go": []byte("one")},
			"lo": {"two.go": []byte("two")},
		},
	}
	c, _ := NewCoordinator(runner, nil, DefaultConfig())
	if err := c.Spawn(context.Background(), []Approach{approach("hi", ""), approach("lo", "")}); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	res, err := c.SelectAndMerge(context.Background())
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if res.Winner != "hi" {
		t.Fatalf("winner = %s, want hi", res.Winner)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("merged artifacts = %d, want 2", len(res.Artifacts))
	}
	if !reflect.DeepEqual(res.MergedFrom, []string{"hi", "lo"}) {
		t.Fatalf("merged from = %v", res.MergedFrom)
	}
	lo, _ := c.Branch("lo")
	if lo.status() != Merged {
		t.Fatalf("contributing branch = %s, want merged", lo.status())
	}
}

func TestSelectAndMerge_ConflictingContentFails(t *testing.T) {
	runner := &scriptedRunner{
		artifacts: map[string]map[string][]byte{
			"x": {"clash.go": []byte("x version")},
			"y": {"clash.go": []byte("y version")},
		},
	}
	c, _ := NewCoordinator(runner, nil, DefaultConfig())
	if err := c.Spawn(context.Background(), []Approach{approach("x", ""), approach("y", "")}); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	res, err := c.SelectAndMerge(context.Background())
	if !fault.IsKind(err, fault.KindMergeConflict) {
		t.Fatalf("expected merge-conflict fault, got %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Path != "clash.go" {
		t.Fatalf("unexpected conflicts: %v", res.Conflicts)
	}
	// Statuses stay non-terminal so a resolver can retry.
	x, _ := c.Branch("x")
	if x.status() != Evaluated {
		t.Fatalf("branch x = %s, want evaluated after failed merge", x.status())
	}
}

// takeFirst resolves every conflict by keeping the higher-ranked side.
type takeFirst struct{}

func (takeFirst) Resolve(_ context.Context, _ Conflict, a, _ []byte) ([]byte, bool, error) {
	return a, true, nil
}

func TestSelectAndMerge_ResolverUnblocksConflicts(t *testing.T) {
	runner := &scriptedRunner{
		artifacts: map[string]map[string][]byte{
			"x": {"clash.go": []byte("x version")},
			"y": {"clash.go": []byte("y version")},
		},
	}
	c, _ := NewCoordinator(runner, nil, DefaultConfig(), WithResolver(takeFirst{}))
	if err := c.Spawn(context.Background(), []Approach{approach("x", ""), approach("y", "")}); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	res, err := c.SelectAndMerge(context.Background())
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if string(res.Artifacts["clash.go"]) != "x version" {
		t.Fatalf("resolver output not applied: %q", res.Artifacts["clash.go"])
	}
}

const patchEarly = `--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 line1
+added
 line2
 line3
`

const patchLate = `--- a/main.go
+++ b/main.go
@@ -10,3 +11,3 @@
 line10
-line11
+line11x
 line12
`

const patchOverlap = `--- a/main.go
+++ b/main.go
@@ -2,2 +2,2 @@
 line2
-line3
+line3x
`

func TestPatchesOverlap(t *testing.T) {
	if patchesOverlap([]byte(patchEarly), []byte(patchLate)) {
		t.Error("disjoint hunks should not overlap")
	}
	if !patchesOverlap([]byte(patchEarly), []byte(patchOverlap)) {
		t.Error("intersecting hunks should overlap")
	}
	if !patchesOverlap([]byte("not a diff"), []byte(patchLate)) {
		t.Error("unparseable patches should count as overlapping")
	}
}

func TestSelectAndMerge_DisjointPatchesCompose(t *testing.T) {
	runner := &scriptedRunner{
		artifacts: map[string]map[string][]byte{
			"x": {"main.go.patch": []byte(patchEarly)},
			"y": {"main.go.patch": []byte(patchLate)},
		},
	}
	c, _ := NewCoordinator(runner, nil, DefaultConfig())
	if err := c.Spawn(context.Background(), []Approach{approach("x", ""), approach("y", "")}); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	res, err := c.SelectAndMerge(context.Background())
	if err != nil {
		t.Fatalf("disjoint patches should merge, got %v", err)
	}
	merged := string(res.Artifacts["main.go.patch"])
	if len(merged) != len(patchEarly)+len(patchLate) {
		t.Fatalf("expected concatenated patches, got %d bytes", len(merged))
	}
}
