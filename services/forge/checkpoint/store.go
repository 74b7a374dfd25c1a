// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists point-in-time orchestration state snapshots.
//
// Metadata and the serialized state blob live in an embedded BadgerDB;
// modified-artifact snapshots live as plain files next to it. Checkpoints
// are append-only until the retention bound is exceeded, then evicted
// oldest-created-first; the most recently created checkpoint is never
// evicted, not even transiently.
//
// Every stored checkpoint carries a format version tag and a SHA-256
// checksum; Load verifies both.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/forge/services/forge/fault"
)

// Version is the current checkpoint format version (semver).
const Version = "1.0.0"

const (
	keyPrefixSeq = "ckpt/seq/" // ckpt/seq/<020d-seq> -> record JSON
	keyPrefixID  = "ckpt/id/"  // ckpt/id/<uuid>      -> seq key
)

// Meta describes one stored checkpoint.
type Meta struct {
	// ID is the checkpoint identifier.
	ID string `json:"id"`

	// Seq is the store-local creation sequence number; eviction order.
	Seq uint64 `json:"seq"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// Reason tags why the checkpoint was taken (pre-block, post-block,
	// adjustment, ...).
	Reason string `json:"reason"`

	// Summary is a human-readable description of the snapshotted state.
	Summary string `json:"summary"`

	// Version is the format version tag.
	Version string `json:"version"`

	// Checksum is the SHA-256 of the serialized state blob.
	Checksum string `json:"checksum"`

	// ArtifactPaths lists the relative paths snapshotted with this
	// checkpoint.
	ArtifactPaths []string `json:"artifact_paths,omitempty"`
}

// Snapshot is a loaded checkpoint.
type Snapshot struct {
	Meta Meta

	// State is the serialized orchestration state blob.
	State json.RawMessage

	// Artifacts maps relative path to snapshotted content.
	Artifacts map[string][]byte
}

// record is the on-disk (badger value) form of a checkpoint.
type record struct {
	Meta  Meta            `json:"meta"`
	State json.RawMessage `json:"state"`
}

// Config configures a Store.
type Config struct {
	// Dir is the root directory for the store (badger db + artifact
	// snapshots). Required unless InMemory.
	Dir string `json:"dir" yaml:"dir"`

	// MaxCheckpoints bounds retention. Oldest-created-first eviction kicks
	// in above this count. Default: 10.
	MaxCheckpoints int `json:"max_checkpoints" yaml:"max_checkpoints" validate:"gte=1"`

	// InMemory runs the store without disk persistence (tests). Artifact
	// snapshots are kept in memory too.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites enables synchronous badger writes for durability.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`
}

// DefaultConfig returns production defaults for the store.
func DefaultConfig() Config {
	return Config{
		MaxCheckpoints: 10,
		SyncWrites:     true,
	}
}

// Store persists checkpoints.
//
// # Thread Safety
//
// Safe for concurrent use. Create is an exclusive critical section: while a
// snapshot is being serialized and written, no other Create or eviction can
// interleave. Callers serialize their own state mutation against Create.
type Store struct {
	mu sync.Mutex

	cfg    Config
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	seq uint64

	// memArtifacts holds artifact snapshots in InMemory mode.
	memArtifacts map[string]map[string][]byte

	// missing holds checkpoint ids whose artifact snapshots were observed
	// deleted out-of-band (fed by the Watcher); Load fails fast for them.
	missing map[string]bool

	watcher *Watcher
}

// Open creates (or reopens) a checkpoint store.
//
// Inputs:
//
//	cfg - Store configuration. Dir is required unless InMemory is set.
//	logger - Logger for store events. If nil, uses slog.Default().
//
// Outputs:
//
//	*Store - The opened store. Caller must Close().
//	error - A persistence fault if the directory or database cannot be opened.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 10
	}
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fault.New(fault.KindIO, "", "checkpoint store dir is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbDir := filepath.Join(cfg.Dir, "db")
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fault.Wrap(fault.KindIO, "", fmt.Errorf("create store directory: %w", err))
		}
		if err := os.MkdirAll(artifactsRoot(cfg.Dir), 0750); err != nil {
			return nil, fault.Wrap(fault.KindIO, "", fmt.Errorf("create artifacts directory: %w", err))
		}
		opts = badger.DefaultOptions(dbDir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(nil) // badger's internal logging is too chatty

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "", fmt.Errorf("open checkpoint database: %w", err))
	}

	s := &Store{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		now:     time.Now,
		missing: make(map[string]bool),
	}
	if cfg.InMemory {
		s.memArtifacts = make(map[string]map[string][]byte)
	}

	if err := s.recoverSeq(); err != nil {
		db.Close()
		return nil, err
	}

	// File-backed stores watch their artifact root so out-of-band snapshot
	// deletions tombstone the checkpoint instead of corrupting a later Load.
	if !cfg.InMemory {
		if _, err := s.Watch(); err != nil {
			logger.Warn("artifact snapshot watcher unavailable", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

// recoverSeq initializes the sequence counter from the highest stored key,
// so reopened stores keep evicting in creation order.
func (s *Store) recoverSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()

		// Seek past the last seq key; the first reverse hit is the newest.
		it.Seek([]byte(keyPrefixSeq + "~"))
		if it.ValidForPrefix([]byte(keyPrefixSeq)) {
			var rec record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fault.Wrap(fault.KindSerialization, "", err)
			}
			s.seq = rec.Meta.Seq
		}
		return nil
	})
}

// Close stops the watcher (if any) and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	return s.db.Close()
}

// Create persists a new checkpoint and evicts beyond the retention bound.
//
// # Description
//
// Serializes state to JSON, stores metadata + blob in badger, writes
// artifact snapshots, then evicts oldest-created-first until the store is
// within MaxCheckpoints. The just-created checkpoint is never evicted.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	state - Orchestration state; must be JSON-serializable.
//	reason - Why the checkpoint was taken.
//	summary - Human-readable state summary for List output.
//	artifacts - Modified-artifact snapshots keyed by relative path. May be nil.
//
// Outputs:
//
//	Meta - Metadata of the created checkpoint.
//	error - A persistence fault (serialization or IO).
func (s *Store) Create(ctx context.Context, state any, reason, summary string, artifacts map[string][]byte) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, fault.Wrap(fault.KindIO, "", err)
	}

	blob, err := json.Marshal(state)
	if err != nil {
		return Meta{}, fault.Wrap(fault.KindSerialization, "", fmt.Errorf("serialize state: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	sum := sha256.Sum256(blob)
	meta := Meta{
		ID:        uuid.NewString(),
		Seq:       s.seq,
		CreatedAt: s.now(),
		Reason:    reason,
		Summary:   summary,
		Version:   Version,
		Checksum:  hex.EncodeToString(sum[:]),
	}
	for path := range artifacts {
		meta.ArtifactPaths = append(meta.ArtifactPaths, path)
	}

	rec, err := json.Marshal(record{Meta: meta, State: blob})
	if err != nil {
		return Meta{}, fault.Wrap(fault.KindSerialization, meta.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(seqKey(meta.Seq), rec); err != nil {
			return err
		}
		return txn.Set([]byte(keyPrefixID+meta.ID), seqKey(meta.Seq))
	})
	if err != nil {
		return Meta{}, fault.Wrap(fault.KindIO, meta.ID, fmt.Errorf("write checkpoint: %w", err))
	}

	if err := s.writeArtifacts(meta.ID, artifacts); err != nil {
		return Meta{}, err
	}

	s.logger.Debug("checkpoint created",
		slog.String("checkpoint_id", meta.ID),
		slog.String("reason", reason),
		slog.Int("artifacts", len(artifacts)),
	)

	if err := s.evictLocked(meta.Seq); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// evictLocked removes oldest checkpoints until within MaxCheckpoints.
// keepSeq (the just-created checkpoint) is never evicted. Caller holds s.mu.
func (s *Store) evictLocked(keepSeq uint64) error {
	for {
		var count int
		var oldest *record

		err := s.db.View(func(txn *badger.Txn) error {
			count = 0
			oldest = nil
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefixSeq)})
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				if count == 0 {
					var rec record
					if err := it.Item().Value(func(v []byte) error {
						return json.Unmarshal(v, &rec)
					}); err != nil {
						return fault.Wrap(fault.KindSerialization, "", err)
					}
					oldest = &rec
				}
				count++
			}
			return nil
		})
		if err != nil {
			return err
		}

		if count <= s.cfg.MaxCheckpoints || oldest == nil || oldest.Meta.Seq == keepSeq {
			return nil
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(seqKey(oldest.Meta.Seq)); err != nil {
				return err
			}
			return txn.Delete([]byte(keyPrefixID + oldest.Meta.ID))
		})
		if err != nil {
			return fault.Wrap(fault.KindIO, oldest.Meta.ID, fmt.Errorf("evict checkpoint: %w", err))
		}

		// Eviction deletes the persisted snapshot irreversibly.
		s.removeArtifacts(oldest.Meta.ID)

		s.logger.Debug("checkpoint evicted",
			slog.String("checkpoint_id", oldest.Meta.ID),
			slog.Uint64("seq", oldest.Meta.Seq),
		)
	}
}

// Load retrieves and verifies a checkpoint by id.
//
// Outputs:
//
//	*Snapshot - The reconstructed snapshot.
//	error - CheckpointNotFound if absent or its artifacts were deleted
//	        out-of-band; a serialization fault if the blob fails
//	        verification.
func (s *Store) Load(ctx context.Context, id string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindIO, id, err)
	}

	s.mu.Lock()
	tombstoned := s.missing[id]
	s.mu.Unlock()
	if tombstoned {
		return nil, fault.New(fault.KindCheckpointNotFound, id, "artifact snapshot deleted out-of-band")
	}

	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixID + id))
		if err != nil {
			return err
		}
		var sk []byte
		if err := item.Value(func(v []byte) error {
			sk = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return err
		}
		item, err = txn.Get(sk)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fault.New(fault.KindCheckpointNotFound, id, "checkpoint not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, id, err)
	}

	if rec.Meta.Version != Version {
		return nil, fault.New(fault.KindSerialization, id,
			"checkpoint version mismatch: got %s, want %s", rec.Meta.Version, Version)
	}
	sum := sha256.Sum256(rec.State)
	if hex.EncodeToString(sum[:]) != rec.Meta.Checksum {
		return nil, fault.New(fault.KindSerialization, id, "checkpoint checksum mismatch")
	}

	artifacts, err := s.readArtifacts(rec.Meta)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Meta: rec.Meta, State: rec.State, Artifacts: artifacts}, nil
}

// Latest returns the most recently created checkpoint.
//
// Outputs:
//
//	*Snapshot - The latest snapshot.
//	error - CheckpointNotFound if the store is empty.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()
		it.Seek([]byte(keyPrefixSeq + "~"))
		if !it.ValidForPrefix([]byte(keyPrefixSeq)) {
			return badger.ErrKeyNotFound
		}
		var rec record
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return err
		}
		id = rec.Meta.ID
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return nil, fault.New(fault.KindCheckpointNotFound, "", "no checkpoints stored")
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "", err)
	}
	return s.Load(ctx, id)
}

// List returns checkpoint summaries in creation order (oldest first).
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindIO, "", err)
	}

	var metas []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefixSeq)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fault.Wrap(fault.KindSerialization, "", err)
			}
			metas = append(metas, rec.Meta)
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "", err)
	}
	return metas, nil
}

// Count returns the number of stored checkpoints.
func (s *Store) Count(ctx context.Context) (int, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(metas), nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefixSeq, seq))
}

func artifactsRoot(dir string) string {
	return filepath.Join(dir, "artifacts")
}
