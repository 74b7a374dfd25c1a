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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/services/forge/checkpoint"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List stored checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ckptCfg := cfg.Checkpoint
		if ckptCfg.Dir == "" {
			ckptCfg.Dir = filepath.Join(cfg.WorkDir, "checkpoints")
		}
		store, err := checkpoint.Open(ckptCfg, logger.Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		metas, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
			return nil
		}

		out := cmd.OutOrStdout()
		for _, m := range metas {
			fmt.Fprintf(out, "%s  %s  %-24s %s\n",
				m.ID, m.CreatedAt.Format(time.RFC3339), m.Reason, m.Summary)
		}
		return nil
	},
}
