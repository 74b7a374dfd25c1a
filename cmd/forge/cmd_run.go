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
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/recovery"
	"github.com/AleutianAI/forge/services/forge/resource"
	"github.com/AleutianAI/forge/services/forge/sched"
)

var (
	outDir string

	runCmd = &cobra.Command{
		Use:   "run [plan.yaml]",
		Short: "Execute a plan with checkpoints and recovery",
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

			ckptCfg := cfg.Checkpoint
			if ckptCfg.Dir == "" {
				ckptCfg.Dir = filepath.Join(cfg.WorkDir, "checkpoints")
			}
			store, err := checkpoint.Open(ckptCfg, logger.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			monitor := resource.NewMonitor(cfg.Resource, logger.Logger)
			restorer := sched.NewRestorer()
			mgr := recovery.NewManager(logger.Logger,
				recovery.WithPolicies(cfg.Policies()),
				recovery.WithDefaultPolicy(cfg.DefaultPolicy()),
				recovery.WithCheckpoints(store, restorer.RestoreFunc()))

			ex, err := sched.NewExecutor(g, scaffoldGenerator{}, criteriaValidator{}, cfg.Scheduler,
				sched.WithRecovery(mgr),
				sched.WithCheckpoints(store),
				sched.WithMonitor(monitor),
				sched.WithRestorer(restorer),
				sched.WithLogger(logger.Logger))
			if err != nil {
				return err
			}

			res, err := ex.Run(cmd.Context())
			if res != nil {
				printSummary(cmd, res)
				if outDir != "" {
					if err := writeArtifacts(outDir, res.Artifacts); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "\nartifacts written to %s\n", outDir)
				}
			}
			if err != nil {
				return err
			}
			if !res.Succeeded() {
				return fmt.Errorf("run finished with failed blocks")
			}
			return nil
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&outDir, "out", "", "Write produced artifacts under this directory")
}

// printSummary renders per-block terminal statuses and run warnings.
func printSummary(cmd *cobra.Command, res *sched.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished in %s\n\n", res.RunID, res.Duration.Round(time.Millisecond))

	ids := make([]string, 0, len(res.Statuses))
	for id := range res.Statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		line := fmt.Sprintf("  %-20s %s", id, res.Statuses[id])
		if reason := res.Reasons[id]; reason != "" {
			line += "  (" + reason + ")"
		}
		fmt.Fprintln(out, line)
	}

	if len(res.Warnings) > 0 {
		fmt.Fprintln(out, "\nwarnings:")
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "  %s\n", w)
		}
	}
}

// writeArtifacts materializes the artifact map under dir, rejecting paths
// that escape it.
func writeArtifacts(dir string, artifacts map[string][]byte) error {
	for path, content := range artifacts {
		full := filepath.Join(dir, filepath.Clean("/"+path))
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return err
		}
		if err := os.WriteFile(full, content, 0640); err != nil {
			return err
		}
	}
	return nil
}
