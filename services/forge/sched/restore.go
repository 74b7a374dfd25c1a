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
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/recovery"
)

// Restorer bridges the recovery manager's Revert fallback to the run
// currently executing. The manager is constructed before any run exists,
// so the restore hook resolves its target at call time.
//
// # Thread Safety
//
// Safe for concurrent use.
type Restorer struct {
	mu    sync.Mutex
	state *RunState
}

// NewRestorer creates an unbound restorer. The executor binds the active
// run state at the start of each Run when attached via WithRestorer.
func NewRestorer() *Restorer { return &Restorer{} }

func (r *Restorer) bind(state *RunState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// RestoreFunc returns the hook to hand to recovery.WithCheckpoints. It
// applies a checkpoint snapshot onto the bound run's state.
func (r *Restorer) RestoreFunc() recovery.RestoreFunc {
	return func(ctx context.Context, snap *checkpoint.Snapshot) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		if state == nil {
			return fmt.Errorf("restore checkpoint %s: no active run", snap.Meta.ID)
		}
		return state.Restore(snap)
	}
}
