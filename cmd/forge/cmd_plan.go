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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/services/forge/sched"
)

var planCmd = &cobra.Command{
	Use:   "plan [plan.yaml]",
	Short: "Validate a plan and show its execution structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadPlan(args[0])
		if err != nil {
			return err
		}
		blocks, err := toBlocks(doc.Blocks)
		if err != nil {
			return err
		}
		deps, err := toDeps(doc.Dependencies)
		if err != nil {
			return err
		}

		g, err := sched.Build(blocks, deps)
		if err != nil {
			return err
		}

		critical := g.FlagCriticalPath(cfg.Scheduler.DefaultEffort)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "plan: %d blocks, %d dependencies\n", g.Len(), len(deps))

		fmt.Fprintln(out, "\nexecution layers:")
		for i, layer := range g.Layers() {
			fmt.Fprintf(out, "  %d: %s\n", i+1, strings.Join(layer, ", "))
		}

		fmt.Fprintf(out, "\ncritical path: %s\n",
			strings.Join(g.CriticalPath(cfg.Scheduler.DefaultEffort), " -> "))

		fmt.Fprintln(out, "\npriorities:")
		for _, id := range g.BlockIDs() {
			p := g.EffectivePriority(id, cfg.Scheduler.Weights, critical[id], 0)
			marker := ""
			if critical[id] {
				marker = "  [critical]"
			}
			fmt.Fprintf(out, "  %-20s %.2f%s\n", id, p, marker)
		}
		return nil
	},
}
