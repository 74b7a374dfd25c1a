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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/services/forge/branch"
)

var (
	exploreOut string

	exploreCmd = &cobra.Command{
		Use:   "explore [plan.yaml]",
		Short: "Run the plan's approaches as isolated branches and merge the best",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			approaches, err := toApproaches(doc.Approaches)
			if err != nil {
				return err
			}
			if len(approaches) == 0 {
				return fmt.Errorf("plan file has no approaches to explore")
			}

			runner := &branch.ExecRunner{
				Gen:     scaffoldGenerator{},
				Val:     criteriaValidator{},
				Cfg:     cfg.Scheduler,
				BaseDir: filepath.Join(cfg.WorkDir, "branches"),
				Logger:  logger.Logger,
			}
			coord, err := branch.NewCoordinator(runner, nil, cfg.Branch,
				branch.WithLogger(logger.Logger))
			if err != nil {
				return err
			}

			if err := coord.Spawn(cmd.Context(), approaches); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "branch scores:")
			for _, br := range coord.Evaluate() {
				fmt.Fprintf(out, "  %-20s overall=%.3f quality=%.2f functionality=%.2f performance=%.2f maintainability=%.2f\n",
					br.ID, br.Score.Overall, br.Score.Quality, br.Score.Functionality,
					br.Score.Performance, br.Score.Maintainability)
			}

			res, err := coord.SelectAndMerge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nselected %s (merged from: %v), %d artifacts\n",
				res.Winner, res.MergedFrom, len(res.Artifacts))

			if exploreOut != "" {
				if err := writeArtifacts(exploreOut, res.Artifacts); err != nil {
					return err
				}
				fmt.Fprintf(out, "artifacts written to %s\n", exploreOut)
			}
			return nil
		},
	}
)

func init() {
	exploreCmd.Flags().StringVar(&exploreOut, "out", "", "Write merged artifacts under this directory")
}
