// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forge orchestrates block-based implementation plans: dependency
// analysis, layered parallel execution with checkpoints and recovery, and
// multi-branch exploration.
//
// Usage:
//
//	forge plan plan.yaml              # validate and show execution layers
//	forge run plan.yaml               # execute the plan
//	forge explore plan.yaml           # run the plan's approaches as branches
//	forge checkpoints                 # list stored checkpoints
//	forge run --config forge.yaml plan.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/pkg/logging"
	"github.com/AleutianAI/forge/services/forge/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "forge",
		Short: "Orchestrate block-based implementation plans",
		Long: `Forge turns an implementation plan of blocks and dependencies into a
validated execution graph and drives it: layered parallel execution,
checkpointed state, adaptive recovery, and optional multi-branch
exploration of alternative approaches.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Logging.Format = logFormat
			}
			logger, err = logging.New(logging.Config{
				Level:   cfg.Logging.Level,
				Format:  cfg.Logging.Format,
				Service: "forge",
			})
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a forge config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (text|json)")

	rootCmd.AddCommand(planCmd, runCmd, exploreCmd, checkpointsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}
}
