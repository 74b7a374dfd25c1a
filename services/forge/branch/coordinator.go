// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package branch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/fault"
	"github.com/AleutianAI/forge/services/forge/recovery"
	"github.com/AleutianAI/forge/services/forge/sched"
)

// Runner executes one branch's plan in isolation and returns its run
// result and artifacts.
type Runner interface {
	Run(ctx context.Context, br *Branch) (*sched.Result, map[string][]byte, error)
}

// Config tunes the coordinator.
type Config struct {
	// MaxParallel bounds concurrently executing branches.
	MaxParallel int `json:"max_parallel" yaml:"max_parallel" validate:"gte=1"`

	// Weights tunes branch scoring.
	Weights ScoreWeights `json:"weights" yaml:"weights"`
}

// DefaultConfig returns the standard coordinator tuning.
func DefaultConfig() Config {
	return Config{
		MaxParallel: 2,
		Weights:     DefaultScoreWeights(),
	}
}

// Coordinator owns a set of branches exploring alternative approaches
// against one shared baseline.
//
// # Thread Safety
//
// Safe for concurrent use. Branch state mutations during Spawn happen on
// worker goroutines; the branch map itself is guarded by mu.
type Coordinator struct {
	runner   Runner
	baseline map[string][]byte
	cfg      Config
	resolver ConflictResolver
	logger   *slog.Logger

	mu       sync.Mutex
	branches map[string]*Branch
	order    []string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithResolver overrides the default detect-and-report conflict resolver.
func WithResolver(r ConflictResolver) CoordinatorOption {
	return func(c *Coordinator) { c.resolver = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator builds a coordinator over a baseline artifact set. The
// baseline maps path to pre-exploration content; branches are scored and
// merged relative to it.
func NewCoordinator(runner Runner, baseline map[string][]byte, cfg Config, opts ...CoordinatorOption) (*Coordinator, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner must not be nil", sched.ErrInvalidInput)
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	c := &Coordinator{
		runner:   runner,
		baseline: baseline,
		cfg:      cfg,
		resolver: detectResolver{},
		logger:   slog.Default(),
		branches: make(map[string]*Branch),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Spawn creates one branch per approach and runs them concurrently,
// bounded by MaxParallel.
//
// # Description
//
// A branch failure abandons that branch but never cancels its siblings;
// exploration exists precisely to survive losing candidates. Spawn
// returns once all branches settle.
//
// Inputs:
//
//	ctx - Cancels all in-flight branches.
//	approaches - Candidate strategies. IDs must be unique.
//
// Outputs:
//
//	error - ErrInvalidInput for empty or duplicate approaches, or ctx's
//	        error on cancellation. Individual branch failures are
//	        recorded on the branch, not returned.
func (c *Coordinator) Spawn(ctx context.Context, approaches []Approach) error {
	if len(approaches) == 0 {
		return fmt.Errorf("%w: at least one approach is required", sched.ErrInvalidInput)
	}

	brs := make([]*Branch, 0, len(approaches))
	c.mu.Lock()
	for _, ap := range approaches {
		if ap.ID == "" {
			c.mu.Unlock()
			return fmt.Errorf("%w: approach with empty ID", sched.ErrInvalidInput)
		}
		if _, exists := c.branches[ap.ID]; exists {
			c.mu.Unlock()
			return fmt.Errorf("%w: duplicate approach ID %q", sched.ErrInvalidInput, ap.ID)
		}
		br := &Branch{
			ID:       ap.ID,
			Approach: ap,
			Status:   Created,
			Created:  time.Now(),
		}
		c.branches[ap.ID] = br
		c.order = append(c.order, ap.ID)
		brs = append(brs, br)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)
	for _, br := range brs {
		br := br
		g.Go(func() error {
			br.transition(Implementing, "")
			c.logger.Info("branch starting",
				slog.String("branch", br.ID),
				slog.Int("blocks", len(br.Approach.Blocks)))

			res, arts, err := c.runner.Run(gctx, br)
			if err != nil {
				br.transition(Abandoned, err.Error())
				c.logger.Warn("branch abandoned",
					slog.String("branch", br.ID),
					slog.String("error", err.Error()))
				return nil
			}

			br.mu.Lock()
			br.Result = res
			br.Artifacts = arts
			br.mu.Unlock()
			br.transition(Implemented, "")
			c.logger.Info("branch implemented",
				slog.String("branch", br.ID),
				slog.Int("artifacts", len(arts)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Evaluate scores every Implemented branch and marks it Evaluated.
// Scoring is a pure function of the settled branch, so calling Evaluate
// again re-derives the same scores.
func (c *Coordinator) Evaluate() []*Branch {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Branch
	for _, id := range c.order {
		br := c.branches[id]
		st := br.status()
		if st != Implemented && st != Evaluated {
			continue
		}
		score := scoreBranch(br, c.baseline, c.cfg.Weights)
		br.mu.Lock()
		br.Score = &score
		br.mu.Unlock()
		br.transition(Evaluated, "")
		c.logger.Debug("branch evaluated",
			slog.String("branch", br.ID),
			slog.Float64("overall", score.Overall))
		out = append(out, br)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Overall != out[j].Score.Overall {
			return out[i].Score.Overall > out[j].Score.Overall
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Branch returns a branch by id.
func (c *Coordinator) Branch(id string) (*Branch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.branches[id]
	return br, ok
}

// Branches returns all branches in spawn order.
func (c *Coordinator) Branches() []*Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Branch, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.branches[id])
	}
	return out
}

// ExecRunner is the production Runner: it builds a dedicated graph,
// executor, and checkpoint lineage for each branch under its own
// directory, so branches never share scheduling or persistence state.
type ExecRunner struct {
	Gen      sched.Generator
	Val      sched.Validator
	Cfg      sched.Config
	Recovery *recovery.Manager
	BaseDir  string
	Logger   *slog.Logger
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, br *Branch) (*sched.Result, map[string][]byte, error) {
	g, err := sched.Build(br.Approach.Blocks, br.Approach.Deps)
	if err != nil {
		return nil, nil, err
	}

	opts := []sched.Option{}
	if r.Recovery != nil {
		opts = append(opts, sched.WithRecovery(r.Recovery))
	}
	if r.Logger != nil {
		opts = append(opts, sched.WithLogger(r.Logger))
	}
	if r.BaseDir != "" {
		dir := filepath.Join(r.BaseDir, br.ID)
		store, err := checkpoint.Open(checkpoint.Config{Dir: dir}, r.Logger)
		if err != nil {
			return nil, nil, fault.Wrap(fault.KindIO, br.ID, err)
		}
		defer store.Close()
		br.CheckpointDir = dir
		opts = append(opts, sched.WithCheckpoints(store))
	}

	ex, err := sched.NewExecutor(g, r.Gen, r.Val, r.Cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	res, err := ex.Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	return res, res.Artifacts, nil
}
