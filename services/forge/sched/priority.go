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
	"sort"
	"time"
)

// PriorityWeights tunes the effective-priority formula. Zero values
// disable the corresponding term.
type PriorityWeights struct {
	// CriticalPathBonus is added to blocks on the critical path.
	CriticalPathBonus float64 `json:"critical_path_bonus" yaml:"critical_path_bonus"`

	// DependentBonus is added once per transitive gating dependent.
	DependentBonus float64 `json:"dependent_bonus" yaml:"dependent_bonus"`

	// RiskWeight scales a block's risk factor into its priority so that
	// risky work surfaces early, while remaining predictable.
	RiskWeight float64 `json:"risk_weight" yaml:"risk_weight"`

	// SoftEdgeBonus is added once per advisory prerequisite already
	// completed, nudging informed blocks ahead of uninformed peers.
	SoftEdgeBonus float64 `json:"soft_edge_bonus" yaml:"soft_edge_bonus"`
}

// DefaultPriorityWeights returns the standard weighting.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		CriticalPathBonus: 10.0,
		DependentBonus:    1.0,
		RiskWeight:        2.0,
		SoftEdgeBonus:     0.5,
	}
}

// EffectivePriority computes a block's scheduling priority.
//
// # Description
//
// The score is the block's base priority plus a critical-path bonus, a
// bonus per transitive gating dependent, and the risk factor scaled by
// RiskWeight. softDone counts advisory prerequisites already satisfied at
// evaluation time. Higher scores dispatch first; the executor breaks ties
// by block ID so ordering stays deterministic.
func (g *Graph) EffectivePriority(id string, w PriorityWeights, onCriticalPath bool, softDone int) float64 {
	b, ok := g.blocks[id]
	if !ok {
		return 0
	}

	score := b.Priority
	if onCriticalPath {
		score += w.CriticalPathBonus
	}
	score += float64(g.transitiveDependentCount(id)) * w.DependentBonus
	score += b.RiskFactor * w.RiskWeight
	score += float64(softDone) * w.SoftEdgeBonus
	return score
}

// transitiveDependentCount counts blocks reachable from id over gating
// dependent edges.
func (g *Graph) transitiveDependentCount(id string) int {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.gatingDependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.gatingDependents[cur]...)
	}
	return len(seen)
}

// CriticalPath computes the longest path through the gating subgraph by
// estimated effort and returns the member block ids, in execution order.
//
// # Description
//
// Standard longest-path dynamic programming over the topological order.
// Blocks without an effort estimate contribute defaultEffort so that a
// sparse plan still yields a meaningful path. Ties are broken toward the
// lexicographically smaller successor for determinism.
func (g *Graph) CriticalPath(defaultEffort time.Duration) []string {
	layers := g.Layers()

	effort := func(id string) time.Duration {
		if b := g.blocks[id]; b != nil && b.EstimatedEffort > 0 {
			return b.EstimatedEffort
		}
		return defaultEffort
	}

	// dist[id] is the total effort of the heaviest chain ending at id.
	dist := make(map[string]time.Duration, len(g.blocks))
	prev := make(map[string]string, len(g.blocks))

	for _, layer := range layers {
		for _, id := range layer {
			best := time.Duration(0)
			bestDep := ""
			deps := append([]string(nil), g.gatingDeps[id]...)
			sort.Strings(deps)
			for _, dep := range deps {
				if dist[dep] > best || (dist[dep] == best && bestDep == "") {
					best = dist[dep]
					bestDep = dep
				}
			}
			dist[id] = best + effort(id)
			if bestDep != "" {
				prev[id] = bestDep
			}
		}
	}

	// Walk back from the heaviest terminal block.
	var endID string
	var endDist time.Duration
	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if dist[id] > endDist || endID == "" {
			endID, endDist = id, dist[id]
		}
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
		if _, ok := prev[id]; !ok {
			break
		}
	}
	return path
}

// FlagCriticalPath computes the critical path and sets OnCriticalPath on
// the member blocks, returning the member set.
func (g *Graph) FlagCriticalPath(defaultEffort time.Duration) map[string]bool {
	members := make(map[string]bool)
	for _, id := range g.CriticalPath(defaultEffort) {
		members[id] = true
		if b := g.blocks[id]; b != nil {
			b.OnCriticalPath = true
		}
	}
	return members
}
