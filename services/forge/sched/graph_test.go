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
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/fault"
)

func mkBlocks(ids ...string) []*block.Block {
	out := make([]*block.Block, 0, len(ids))
	for _, id := range ids {
		out = append(out, &block.Block{ID: id, Description: "block " + id})
	}
	return out
}

func dep(id, on string, kind block.DependencyKind) block.Dependency {
	return block.Dependency{BlockID: id, DependsOn: on, Kind: kind}
}

func TestBuild_RejectsDuplicateIDs(t *testing.T) {
	_, err := Build(mkBlocks("a", "a"), nil)
	if !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("expected ErrDuplicateBlock, got %v", err)
	}
}

func TestBuild_RejectsUnknownDependencyTarget(t *testing.T) {
	_, err := Build(mkBlocks("a"), []block.Dependency{dep("a", "ghost", block.RequiredBefore)})
	if !fault.IsKind(err, fault.KindMissingDependency) {
		t.Fatalf("expected missing-dependency fault, got %v", err)
	}
	if fault.CategoryOf(err) != fault.CategoryStructural {
		t.Fatalf("missing-dependency fault should be structural, got %v", fault.CategoryOf(err))
	}
}

func TestBuild_RejectsSelfDependency(t *testing.T) {
	_, err := Build(mkBlocks("a"), []block.Dependency{dep("a", "a", block.RequiredBefore)})
	if !fault.IsKind(err, fault.KindCycleDetected) {
		t.Fatalf("expected cycle fault, got %v", err)
	}
}

func TestBuild_DetectsCycleWithPath(t *testing.T) {
	deps := []block.Dependency{
		dep("a", "b", block.RequiredBefore),
		dep("b", "c", block.RequiredBefore),
		dep("c", "a", block.RequiredForCompletion),
	}
	_, err := Build(mkBlocks("a", "b", "c"), deps)
	if !fault.IsKind(err, fault.KindCycleDetected) {
		t.Fatalf("expected cycle fault, got %v", err)
	}
	msg := err.Error()
	for _, id := range []string{"a", "b", "c"} {
		if !strings.Contains(msg, id) {
			t.Errorf("cycle report %q should name block %q", msg, id)
		}
	}
}

func TestBuild_AdvisoryEdgesDoNotCycle(t *testing.T) {
	// a -> b is gating, b -> a only advisory; the gating subgraph stays
	// acyclic.
	deps := []block.Dependency{
		dep("a", "b", block.RequiredBefore),
		dep("b", "a", block.Influences),
	}
	g, err := Build(mkBlocks("a", "b"), deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.SoftPrereqs("b"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected advisory prereq recorded, got %v", got)
	}
}

func TestLayers_WaveScenario(t *testing.T) {
	// B and C require A, D requires both, E is independent.
	deps := []block.Dependency{
		dep("B", "A", block.RequiredBefore),
		dep("C", "A", block.RequiredBefore),
		dep("D", "B", block.RequiredBefore),
		dep("D", "C", block.RequiredBefore),
	}
	g, err := Build(mkBlocks("A", "B", "C", "D", "E"), deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"A", "E"}, {"B", "C"}, {"D"}}
	if got := g.Layers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("layers = %v, want %v", got, want)
	}
}

func TestLayers_EveryBlockAppearsOnce(t *testing.T) {
	deps := []block.Dependency{
		dep("b", "a", block.RequiredBefore),
		dep("c", "b", block.RequiredForCompletion),
		dep("d", "a", block.RequiredBefore),
	}
	g, err := Build(mkBlocks("a", "b", "c", "d"), deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[string]int{}
	for _, layer := range g.Layers() {
		for _, id := range layer {
			seen[id]++
		}
	}
	for _, id := range g.BlockIDs() {
		if seen[id] != 1 {
			t.Errorf("block %q appears %d times in layers", id, seen[id])
		}
	}
}

func TestCriticalPath_FollowsHeaviestChain(t *testing.T) {
	blocks := mkBlocks("a", "b", "c", "d")
	for _, b := range blocks {
		b.EstimatedEffort = time.Minute
	}
	// Chain a -> b -> d is three blocks; c hangs off a alone.
	blocks[1].EstimatedEffort = 10 * time.Minute
	deps := []block.Dependency{
		dep("b", "a", block.RequiredBefore),
		dep("c", "a", block.RequiredBefore),
		dep("d", "b", block.RequiredBefore),
	}
	g, err := Build(blocks, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a", "b", "d"}
	if got := g.CriticalPath(time.Minute); !reflect.DeepEqual(got, want) {
		t.Fatalf("critical path = %v, want %v", got, want)
	}

	members := g.FlagCriticalPath(time.Minute)
	if !members["b"] || members["c"] {
		t.Fatalf("unexpected critical members: %v", members)
	}
	if b, _ := g.Block("b"); !b.OnCriticalPath {
		t.Error("block b should be flagged on the critical path")
	}
}

func TestEffectivePriority_OrdersRiskAndDependents(t *testing.T) {
	blocks := mkBlocks("root", "leaf")
	blocks[0].Priority = 1.0
	blocks[1].Priority = 1.0
	blocks[0].RiskFactor = 0.5
	deps := []block.Dependency{dep("leaf", "root", block.RequiredBefore)}
	g, err := Build(blocks, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w := DefaultPriorityWeights()
	root := g.EffectivePriority("root", w, false, 0)
	leaf := g.EffectivePriority("leaf", w, false, 0)
	if root <= leaf {
		t.Fatalf("root (dependents + risk) should outrank leaf: %v <= %v", root, leaf)
	}

	onPath := g.EffectivePriority("leaf", w, true, 0)
	if onPath <= leaf {
		t.Fatal("critical-path bonus should raise priority")
	}
}
