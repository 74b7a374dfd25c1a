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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/forge/services/forge/fault"
)

// writeArtifacts snapshots modified artifacts for a checkpoint.
// Caller holds s.mu.
func (s *Store) writeArtifacts(id string, artifacts map[string][]byte) error {
	if len(artifacts) == 0 {
		return nil
	}

	if s.cfg.InMemory {
		copied := make(map[string][]byte, len(artifacts))
		for path, content := range artifacts {
			copied[path] = append([]byte(nil), content...)
		}
		s.memArtifacts[id] = copied
		return nil
	}

	root := filepath.Join(artifactsRoot(s.cfg.Dir), id)
	for path, content := range artifacts {
		clean := filepath.Clean(path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return fault.New(fault.KindIO, id, "artifact path escapes snapshot root: %s", path)
		}
		dst := filepath.Join(root, clean)
		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return fault.Wrap(fault.KindIO, id, fmt.Errorf("create artifact directory: %w", err))
		}
		if err := os.WriteFile(dst, content, 0640); err != nil {
			return fault.Wrap(fault.KindIO, id, fmt.Errorf("write artifact %s: %w", path, err))
		}
	}
	return nil
}

// readArtifacts reconstructs a checkpoint's artifact snapshots.
func (s *Store) readArtifacts(meta Meta) (map[string][]byte, error) {
	if len(meta.ArtifactPaths) == 0 {
		return nil, nil
	}

	if s.cfg.InMemory {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored := s.memArtifacts[meta.ID]
		if stored == nil {
			return nil, fault.New(fault.KindCheckpointNotFound, meta.ID, "artifact snapshot missing")
		}
		out := make(map[string][]byte, len(stored))
		for path, content := range stored {
			out[path] = append([]byte(nil), content...)
		}
		return out, nil
	}

	root := filepath.Join(artifactsRoot(s.cfg.Dir), meta.ID)
	out := make(map[string][]byte, len(meta.ArtifactPaths))
	for _, path := range meta.ArtifactPaths {
		content, err := os.ReadFile(filepath.Join(root, filepath.Clean(path)))
		if os.IsNotExist(err) {
			return nil, fault.New(fault.KindCheckpointNotFound, meta.ID, "artifact snapshot missing: %s", path)
		}
		if err != nil {
			return nil, fault.Wrap(fault.KindIO, meta.ID, fmt.Errorf("read artifact %s: %w", path, err))
		}
		out[path] = content
	}
	return out, nil
}

// removeArtifacts deletes a checkpoint's artifact snapshots.
// Caller holds s.mu.
func (s *Store) removeArtifacts(id string) {
	if s.cfg.InMemory {
		delete(s.memArtifacts, id)
		return
	}
	if err := os.RemoveAll(filepath.Join(artifactsRoot(s.cfg.Dir), id)); err != nil {
		s.logger.Warn("failed to remove artifact snapshot",
			"checkpoint_id", id,
			"error", err.Error(),
		)
	}
}
