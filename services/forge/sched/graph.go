// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sched builds and drives the block dependency graph: validation,
// ordering, layered parallel execution, and block state transitions.
//
// The planner supplies blocks and dependency edges; Build validates them
// into a Graph. Only gating edges (RequiredBefore, RequiredForCompletion)
// participate in cycle detection and layering; advisory edges are recorded
// for priority hints.
package sched

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/fault"
)

// Sentinel errors for graph construction.
var (
	// ErrInvalidInput is returned for nil or malformed planner input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilContext is returned when a nil context is passed to Run.
	ErrNilContext = errors.New("context must not be nil")

	// ErrDuplicateBlock is returned when two blocks share an identifier.
	ErrDuplicateBlock = errors.New("duplicate block ID")
)

// Graph is a validated block dependency graph.
//
// # Thread Safety
//
// Graph is immutable after Build and safe for concurrent reads. Block
// status lives in RunState, not here.
type Graph struct {
	blocks map[string]*block.Block
	order  []string // insertion order, for deterministic iteration

	// gatingDeps maps a block to the prerequisites that gate it.
	gatingDeps map[string][]string

	// gatingDependents is the reverse gating adjacency.
	gatingDependents map[string][]string

	// softDeps maps a block to advisory (Influences/ProvidesInformation)
	// prerequisites.
	softDeps map[string][]string

	// alternates maps a block to blocks marked interchangeable with it.
	alternates map[string][]string

	edges []block.Dependency
}

// Build validates planner input into a Graph.
//
// # Description
//
// Checks identifier uniqueness, resolves every dependency reference, and
// runs three-color cycle detection over the gating-edge subgraph. Advisory
// edges are ignored for acyclicity but recorded for ordering hints.
//
// Inputs:
//
//	blocks - Planner blocks. Identifiers must be unique.
//	deps - Dependency edges. Both endpoints must resolve.
//
// Outputs:
//
//	*Graph - The validated graph.
//	error - ErrDuplicateBlock, a MissingDependency fault, or a
//	        CycleDetected fault naming the cyclic path.
func Build(blocks []*block.Block, deps []block.Dependency) (*Graph, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: at least one block is required", ErrInvalidInput)
	}

	g := &Graph{
		blocks:           make(map[string]*block.Block, len(blocks)),
		gatingDeps:       make(map[string][]string),
		gatingDependents: make(map[string][]string),
		softDeps:         make(map[string][]string),
		alternates:       make(map[string][]string),
		edges:            deps,
	}

	for _, b := range blocks {
		if b == nil || b.ID == "" {
			return nil, fmt.Errorf("%w: block with empty ID", ErrInvalidInput)
		}
		if _, exists := g.blocks[b.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, b.ID)
		}
		g.blocks[b.ID] = b
		g.order = append(g.order, b.ID)
	}

	for _, d := range deps {
		if _, ok := g.blocks[d.BlockID]; !ok {
			return nil, fault.New(fault.KindMissingDependency, d.BlockID,
				"dependency references unknown block %q", d.BlockID)
		}
		if _, ok := g.blocks[d.DependsOn]; !ok {
			return nil, fault.New(fault.KindMissingDependency, d.BlockID,
				"block %q depends on unknown block %q", d.BlockID, d.DependsOn)
		}
		if d.BlockID == d.DependsOn {
			return nil, fault.New(fault.KindCycleDetected, d.BlockID,
				"block %q depends on itself", d.BlockID)
		}

		switch {
		case d.Kind.Gating():
			g.gatingDeps[d.BlockID] = append(g.gatingDeps[d.BlockID], d.DependsOn)
			g.gatingDependents[d.DependsOn] = append(g.gatingDependents[d.DependsOn], d.BlockID)
		case d.Kind == block.Alternative:
			g.alternates[d.BlockID] = append(g.alternates[d.BlockID], d.DependsOn)
		default:
			g.softDeps[d.BlockID] = append(g.softDeps[d.BlockID], d.DependsOn)
		}
	}

	if path := g.findCycle(); path != nil {
		return nil, fault.New(fault.KindCycleDetected, path[0],
			"gating dependency cycle: %s", strings.Join(path, " -> "))
	}

	return g, nil
}

// Three-color marks for cycle detection.
type visitColor int

const (
	colorWhite visitColor = iota // unvisited
	colorGray                    // on the current DFS stack
	colorBlack                   // fully explored
)

// findCycle runs depth-first three-color traversal over the gating
// subgraph. Returns a cyclic path (first element repeated at the end), or
// nil when acyclic. Iteration order is sorted for deterministic reports.
func (g *Graph) findCycle() []string {
	colors := make(map[string]visitColor, len(g.blocks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = colorGray
		stack = append(stack, id)

		next := append([]string(nil), g.gatingDeps[id]...)
		sort.Strings(next)
		for _, dep := range next {
			switch colors[dep] {
			case colorGray:
				// Found a back edge; slice the stack from dep onward.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = colorBlack
		return nil
	}

	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == colorWhite {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Block returns a block by id.
func (g *Graph) Block(id string) (*block.Block, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

// BlockIDs returns all block ids in planner order.
func (g *Graph) BlockIDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of blocks.
func (g *Graph) Len() int {
	return len(g.blocks)
}

// GatingPrereqs returns the gating prerequisites of a block.
func (g *Graph) GatingPrereqs(id string) []string {
	return append([]string(nil), g.gatingDeps[id]...)
}

// GatingDependents returns the blocks gated on id.
func (g *Graph) GatingDependents(id string) []string {
	return append([]string(nil), g.gatingDependents[id]...)
}

// SoftPrereqs returns advisory prerequisites of a block.
func (g *Graph) SoftPrereqs(id string) []string {
	return append([]string(nil), g.softDeps[id]...)
}

// Alternates returns the blocks marked interchangeable with id.
func (g *Graph) Alternates(id string) []string {
	return append([]string(nil), g.alternates[id]...)
}
