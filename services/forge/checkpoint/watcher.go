// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/forge/services/forge/fault"
)

// Watcher observes the artifact snapshot directory for out-of-band
// deletions.
//
// # Description
//
// If an operator (or a cleanup job) removes a checkpoint's artifact
// snapshot directory while the store is open, later Loads of that
// checkpoint would fail midway through reconstruction. The watcher
// tombstones the checkpoint as soon as the deletion is observed, so Load
// fails fast with CheckpointNotFound instead.
//
// # Thread Safety
//
// Safe for concurrent use with the owning store.
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching the store's artifact directory.
//
// Outputs:
//
//	*Watcher - The running watcher. Stopped by Store.Close or Stop.
//	error - A persistence fault if the watcher cannot be created, or if the
//	        store is in-memory (nothing to watch).
func (s *Store) Watch() (*Watcher, error) {
	if s.cfg.InMemory {
		return nil, fault.New(fault.KindIO, "", "in-memory store has no artifact directory to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "", err)
	}
	if err := fsw.Add(artifactsRoot(s.cfg.Dir)); err != nil {
		fsw.Close()
		return nil, fault.Wrap(fault.KindIO, "", err)
	}

	w := &Watcher{
		store:  s,
		fsw:    fsw,
		logger: s.logger,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	go w.run()
	return w, nil
}

// Stop halts the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Top-level entries in the artifact root are checkpoint ids.
			id := filepath.Base(ev.Name)
			w.store.mu.Lock()
			w.store.missing[id] = true
			w.store.mu.Unlock()

			w.logger.Warn("checkpoint artifact snapshot deleted out-of-band",
				slog.String("checkpoint_id", id),
			)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("checkpoint watcher error", slog.String("error", err.Error()))
		}
	}
}
