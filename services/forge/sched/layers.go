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

import "sort"

// Layers partitions the graph into waves of blocks whose gating
// prerequisites are all satisfied by earlier waves (Kahn's algorithm over
// the gating subgraph). Blocks inside a wave are mutually independent and
// may run in parallel; waves run in order. Within a wave, ids are sorted
// for deterministic scheduling.
//
// Build guarantees acyclicity, so every block lands in exactly one layer.
func (g *Graph) Layers() [][]string {
	indegree := make(map[string]int, len(g.blocks))
	for _, id := range g.order {
		indegree[id] = len(g.gatingDeps[id])
	}

	var frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	var layers [][]string
	for len(frontier) > 0 {
		sort.Strings(frontier)
		layers = append(layers, frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range g.gatingDependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	return layers
}
