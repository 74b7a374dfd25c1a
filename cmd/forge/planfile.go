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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/branch"
	"github.com/AleutianAI/forge/services/forge/fault"
)

// planDoc is the YAML shape of a plan file. Durations and dependency
// kinds are strings here and converted into the API types on load.
type planDoc struct {
	Blocks       []planBlock      `yaml:"blocks"`
	Dependencies []planDependency `yaml:"dependencies"`
	Approaches   []planApproach   `yaml:"approaches"`
}

type planBlock struct {
	ID                 string     `yaml:"id"`
	Description        string     `yaml:"description"`
	Priority           float64    `yaml:"priority"`
	RiskFactor         float64    `yaml:"risk_factor"`
	SecurityCritical   bool       `yaml:"security_critical"`
	EstimatedEffort    string     `yaml:"estimated_effort"`
	Steps              []planStep `yaml:"steps"`
	ValidationCriteria []string   `yaml:"validation_criteria"`
}

type planStep struct {
	Name       string `yaml:"name"`
	Prompt     string `yaml:"prompt"`
	TargetPath string `yaml:"target_path"`
}

type planDependency struct {
	BlockID   string `yaml:"block_id"`
	DependsOn string `yaml:"depends_on"`
	Kind      string `yaml:"kind"`
}

type planApproach struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	Blocks       []planBlock      `yaml:"blocks"`
	Dependencies []planDependency `yaml:"dependencies"`
}

// loadPlan reads and converts a plan file.
func loadPlan(path string) (*planDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, path, err)
	}
	var doc planDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.KindSerialization, path, err)
	}
	return &doc, nil
}

// toBlocks converts plan blocks into API blocks.
func toBlocks(in []planBlock) ([]*block.Block, error) {
	out := make([]*block.Block, 0, len(in))
	for _, pb := range in {
		b := &block.Block{
			ID:                 pb.ID,
			Description:        pb.Description,
			Priority:           pb.Priority,
			RiskFactor:         pb.RiskFactor,
			SecurityCritical:   pb.SecurityCritical,
			ValidationCriteria: pb.ValidationCriteria,
		}
		if pb.EstimatedEffort != "" {
			d, err := time.ParseDuration(pb.EstimatedEffort)
			if err != nil {
				return nil, fmt.Errorf("block %q: invalid estimated_effort %q: %w", pb.ID, pb.EstimatedEffort, err)
			}
			b.EstimatedEffort = d
		}
		for _, ps := range pb.Steps {
			b.Steps = append(b.Steps, block.Step{
				Name:       ps.Name,
				Prompt:     ps.Prompt,
				TargetPath: ps.TargetPath,
			})
		}
		out = append(out, b)
	}
	return out, nil
}

// toDeps converts plan dependencies into API edges.
func toDeps(in []planDependency) ([]block.Dependency, error) {
	out := make([]block.Dependency, 0, len(in))
	for _, pd := range in {
		kind, err := parseDependencyKind(pd.Kind)
		if err != nil {
			return nil, fmt.Errorf("dependency %s -> %s: %w", pd.BlockID, pd.DependsOn, err)
		}
		out = append(out, block.Dependency{
			BlockID:   pd.BlockID,
			DependsOn: pd.DependsOn,
			Kind:      kind,
		})
	}
	return out, nil
}

// toApproaches converts plan approaches into branch approaches.
func toApproaches(in []planApproach) ([]branch.Approach, error) {
	out := make([]branch.Approach, 0, len(in))
	for _, pa := range in {
		blocks, err := toBlocks(pa.Blocks)
		if err != nil {
			return nil, fmt.Errorf("approach %q: %w", pa.ID, err)
		}
		deps, err := toDeps(pa.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("approach %q: %w", pa.ID, err)
		}
		out = append(out, branch.Approach{
			ID:          pa.ID,
			Name:        pa.Name,
			Description: pa.Description,
			Blocks:      blocks,
			Deps:        deps,
		})
	}
	return out, nil
}

// parseDependencyKind maps a plan-file kind name to the API enum.
func parseDependencyKind(name string) (block.DependencyKind, error) {
	switch name {
	case "", "required_before":
		return block.RequiredBefore, nil
	case "required_for_completion":
		return block.RequiredForCompletion, nil
	case "influences":
		return block.Influences, nil
	case "provides_information":
		return block.ProvidesInformation, nil
	case "alternative":
		return block.Alternative, nil
	default:
		return block.RequiredBefore, fmt.Errorf("unknown dependency kind %q", name)
	}
}
