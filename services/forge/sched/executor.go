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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/forge/services/forge/block"
	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/fault"
	"github.com/AleutianAI/forge/services/forge/recovery"
	"github.com/AleutianAI/forge/services/forge/resource"
)

var (
	tracer = otel.Tracer("forge/sched")
	meter  = otel.Meter("forge/sched")

	metricsOnce     sync.Once
	blocksTotal     metric.Int64Counter
	blockDurationMs metric.Float64Histogram
	shedTotal       metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		blocksTotal, err = meter.Int64Counter("forge.sched.blocks_total",
			metric.WithDescription("Blocks reaching a terminal status, by status"))
		if err != nil {
			slog.Warn("failed to create blocks_total counter", slog.String("error", err.Error()))
		}
		blockDurationMs, err = meter.Float64Histogram("forge.sched.block_duration_ms",
			metric.WithDescription("Wall time per block execution in milliseconds"))
		if err != nil {
			slog.Warn("failed to create block_duration_ms histogram", slog.String("error", err.Error()))
		}
		shedTotal, err = meter.Int64Counter("forge.sched.shed_total",
			metric.WithDescription("In-flight blocks cancelled due to resource pressure"))
		if err != nil {
			slog.Warn("failed to create shed_total counter", slog.String("error", err.Error()))
		}
	})
}

// Config tunes the executor.
type Config struct {
	// MaxParallelPaths bounds concurrent block executions within a wave.
	MaxParallelPaths int `json:"max_parallel_paths" yaml:"max_parallel_paths" validate:"gte=1"`

	// TimeoutMultiplier scales a block's estimated effort into its
	// execution deadline.
	TimeoutMultiplier float64 `json:"timeout_multiplier" yaml:"timeout_multiplier" validate:"gt=0"`

	// DefaultEffort substitutes for blocks without an effort estimate.
	DefaultEffort time.Duration `json:"default_effort" yaml:"default_effort"`

	// Checkpoint enables snapshots before and after each block.
	Checkpoint bool `json:"checkpoint" yaml:"checkpoint"`

	// Weights tunes effective-priority scoring.
	Weights PriorityWeights `json:"weights" yaml:"weights"`
}

// DefaultConfig returns the standard executor tuning.
func DefaultConfig() Config {
	return Config{
		MaxParallelPaths:  4,
		TimeoutMultiplier: 1.5,
		DefaultEffort:     5 * time.Minute,
		Checkpoint:        true,
		Weights:           DefaultPriorityWeights(),
	}
}

// Executor drives a validated Graph through layered parallel execution.
//
// # Description
//
// Each wave's runnable blocks are dispatched in descending effective
// priority under a bounded worker pool. All status mutation happens in the
// executor's outcome loop, so RunState writes are serialized even while
// block bodies run concurrently. Failures are delegated to the recovery
// manager when one is attached; unrecovered failures mark the block Failed
// and its gating dependents Blocked.
//
// # Thread Safety
//
// An Executor runs one Run at a time. Concurrent Run calls on the same
// Executor are not supported.
type Executor struct {
	graph    *Graph
	gen      Generator
	val      Validator
	cfg      Config
	rec      *recovery.Manager
	ckpts    *checkpoint.Store
	monitor  *resource.Monitor
	restorer *Restorer
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecovery attaches a recovery manager for failure handling.
func WithRecovery(m *recovery.Manager) Option {
	return func(e *Executor) { e.rec = m }
}

// WithCheckpoints attaches a checkpoint store for per-block snapshots.
func WithCheckpoints(s *checkpoint.Store) Option {
	return func(e *Executor) { e.ckpts = s }
}

// WithMonitor attaches a resource monitor for load shedding.
func WithMonitor(m *resource.Monitor) Option {
	return func(e *Executor) { e.monitor = m }
}

// WithRestorer binds each run's state to the restorer so the recovery
// manager's Revert fallback can apply checkpoints onto the live run.
func WithRestorer(r *Restorer) Option {
	return func(e *Executor) { e.restorer = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor builds an executor over a validated graph.
func NewExecutor(g *Graph, gen Generator, val Validator, cfg Config, opts ...Option) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: graph must not be nil", ErrInvalidInput)
	}
	if gen == nil || val == nil {
		return nil, fmt.Errorf("%w: generator and validator are required", ErrInvalidInput)
	}
	if cfg.MaxParallelPaths < 1 {
		cfg.MaxParallelPaths = 1
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = DefaultConfig().TimeoutMultiplier
	}
	if cfg.DefaultEffort <= 0 {
		cfg.DefaultEffort = DefaultConfig().DefaultEffort
	}

	e := &Executor{
		graph:  g,
		gen:    gen,
		val:    val,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	initMetrics()
	return e, nil
}

// Result summarizes one run.
type Result struct {
	RunID        string                  `json:"run_id"`
	Started      time.Time               `json:"started"`
	Duration     time.Duration           `json:"duration"`
	Statuses     map[string]block.Status `json:"statuses"`
	Reasons      map[string]string       `json:"reasons,omitempty"`
	Layers       [][]string              `json:"layers"`
	CriticalPath []string                `json:"critical_path"`
	Warnings     []string                `json:"warnings,omitempty"`

	// Artifacts flattens every block's outputs by target path.
	Artifacts map[string][]byte `json:"-"`
}

// Succeeded reports whether every block finished in a successful or
// deferred terminal status.
func (r *Result) Succeeded() bool {
	for _, st := range r.Statuses {
		if st == block.Failed {
			return false
		}
	}
	return true
}

// outcome is one worker's report back to the outcome loop.
type outcome struct {
	id        string
	artifacts map[string][]byte
	report    ValidationReport
	err       error
	elapsed   time.Duration
}

// inflightEntry tracks a dispatched block for load shedding.
type inflightEntry struct {
	cancel   context.CancelFunc
	priority float64
	shedAs   fault.Kind // set when cancelled under resource pressure
}

// Run executes the whole graph and returns the per-block outcome summary.
//
// Inputs:
//
//	ctx - Cancels the run. Must not be nil.
//
// Outputs:
//
//	*Result - Terminal statuses and reasons for every block. Non-nil
//	          whenever err is nil; individual block failures do not fail
//	          the run.
//	error - ErrNilContext or ctx's error when the run is cancelled.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "sched.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("graph.blocks", e.graph.Len()),
		))
	defer span.End()

	started := time.Now()
	critical := e.graph.FlagCriticalPath(e.cfg.DefaultEffort)
	layers := e.graph.Layers()
	state := NewRunState(e.graph)
	if e.restorer != nil {
		e.restorer.bind(state)
	}

	res := &Result{
		RunID:        runID,
		Started:      started,
		Layers:       layers,
		CriticalPath: e.graph.CriticalPath(e.cfg.DefaultEffort),
	}

	e.logger.Info("run starting",
		slog.String("run_id", runID),
		slog.Int("blocks", e.graph.Len()),
		slog.Int("layers", len(layers)),
		slog.Int("max_parallel", e.cfg.MaxParallelPaths))

	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			e.finalize(state, res, started)
			return res, err
		}
		if err := e.runLayer(ctx, state, layer, critical, res); err != nil {
			e.finalize(state, res, started)
			return res, err
		}
		e.logger.Debug("layer complete",
			slog.String("run_id", runID),
			slog.Int("layer", i),
			slog.String("state", state.String()))
	}

	e.finalize(state, res, started)
	e.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.Duration("duration", res.Duration),
		slog.String("state", state.String()))
	return res, nil
}

// runLayer dispatches one wave and consumes its outcomes. Returns an error
// only for run-level cancellation; block failures are absorbed into state.
func (e *Executor) runLayer(ctx context.Context, state *RunState, layer []string, critical map[string]bool, res *Result) error {
	ready := e.partition(state, layer)
	if len(ready) == 0 {
		return nil
	}

	// Highest effective priority first, ties by block ID.
	sort.SliceStable(ready, func(i, j int) bool {
		pi := e.graph.EffectivePriority(ready[i], e.cfg.Weights, critical[ready[i]], e.softDone(state, ready[i]))
		pj := e.graph.EffectivePriority(ready[j], e.cfg.Weights, critical[ready[j]], e.softDone(state, ready[j]))
		if pi != pj {
			return pi > pj
		}
		return ready[i] < ready[j]
	})

	sem := make(chan struct{}, e.cfg.MaxParallelPaths)
	outcomes := make(chan outcome, len(ready))
	inflight := make(map[string]*inflightEntry, len(ready))

	for _, id := range ready {
		b, _ := e.graph.Block(id)
		prio := e.graph.EffectivePriority(id, e.cfg.Weights, critical[id], e.softDone(state, id))

		if err := state.Transition(id, block.InProgress, ""); err != nil {
			e.logger.Error("dispatch transition failed", slog.String("block", id), slog.String("error", err.Error()))
			continue
		}
		e.snapshot(ctx, state, fmt.Sprintf("before block %s", id), res)

		bctx, cancel := context.WithCancel(ctx)
		inflight[id] = &inflightEntry{cancel: cancel, priority: prio}

		go func(b *block.Block, bctx context.Context) {
			begin := time.Now()
			select {
			case sem <- struct{}{}:
			case <-bctx.Done():
				outcomes <- outcome{id: b.ID, err: bctx.Err(), elapsed: time.Since(begin)}
				return
			}
			defer func() { <-sem }()

			arts, rep, err := e.executeSteps(bctx, b, b.Steps, Scope{})
			outcomes <- outcome{id: b.ID, artifacts: arts, report: rep, err: err, elapsed: time.Since(begin)}
		}(b, bctx)
	}

	for pending := len(inflight); pending > 0; pending-- {
		out := <-outcomes
		entry := inflight[out.id]
		entry.cancel()

		cause := out.err
		if entry.shedAs != fault.KindUnknown && errors.Is(cause, context.Canceled) {
			cause = fault.New(entry.shedAs, out.id, "block %q cancelled under resource pressure", out.id)
		}
		delete(inflight, out.id)

		e.settle(ctx, state, out, cause, res)

		if ctx.Err() != nil {
			continue
		}
		e.shedIfPressured(state, inflight)
	}
	return ctx.Err()
}

// partition marks a wave's blocks Ready or Blocked based on whether every
// gating prerequisite succeeded, and returns the runnable ids.
func (e *Executor) partition(state *RunState, layer []string) []string {
	var ready []string
	for _, id := range layer {
		if state.Status(id) != block.NotStarted {
			continue
		}
		failedPrereq := ""
		for _, dep := range e.graph.GatingPrereqs(id) {
			if !state.Succeeded(dep) {
				failedPrereq = dep
				break
			}
		}
		if failedPrereq != "" {
			_ = state.Transition(id, block.Blocked,
				fmt.Sprintf("gating dependency %q did not complete", failedPrereq))
			continue
		}
		if err := state.Transition(id, block.Ready, ""); err == nil {
			ready = append(ready, id)
		}
	}
	return ready
}

// softDone counts a block's advisory prerequisites already satisfied.
func (e *Executor) softDone(state *RunState, id string) int {
	n := 0
	for _, dep := range e.graph.SoftPrereqs(id) {
		if state.Succeeded(dep) {
			n++
		}
	}
	return n
}

// settle applies one block outcome: success bookkeeping, or recovery and
// failure bookkeeping. Runs only in the outcome loop.
func (e *Executor) settle(ctx context.Context, state *RunState, out outcome, cause error, res *Result) {
	if blockDurationMs != nil {
		blockDurationMs.Record(ctx, float64(out.elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("block.id", out.id)))
	}

	if cause == nil && !out.report.Passed {
		cause = fault.New(fault.KindValidationFailure, out.id,
			"validation rejected block %q: %v", out.id, out.report.Issues)
	}

	if cause == nil {
		e.complete(ctx, state, out.id, out.artifacts, out.report, "", res)
		return
	}

	e.logger.Warn("block failed",
		slog.String("block", out.id),
		slog.String("error", cause.Error()))

	if e.rec == nil || errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		e.fail(ctx, state, out.id, cause, res)
		return
	}

	b, _ := e.graph.Block(out.id)
	op := newBlockOp(e, b)
	rout := e.rec.Attempt(ctx, op, cause)
	if rout.Warning != "" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", out.id, rout.Warning))
	}
	if rout.Failed() {
		e.fail(ctx, state, out.id, rout.Err, res)
		return
	}

	reason := ""
	if rout.Disposition != recovery.Recovered {
		reason = fmt.Sprintf("recovered via %s after %d retries", rout.Disposition, rout.Retries)
	}
	e.complete(ctx, state, out.id, op.artifacts, op.report, reason, res)
}

// complete marks a block successful and snapshots state.
func (e *Executor) complete(ctx context.Context, state *RunState, id string, artifacts map[string][]byte, report ValidationReport, reason string, res *Result) {
	state.RecordArtifacts(id, artifacts)

	next := block.Completed
	if len(report.Issues) > 0 || reason != "" {
		next = block.CompletedWithIssues
		if reason == "" {
			reason = fmt.Sprintf("completed with %d validation issues", len(report.Issues))
		}
	}
	if err := state.Transition(id, next, reason); err != nil {
		e.logger.Error("completion transition failed", slog.String("block", id), slog.String("error", err.Error()))
		return
	}
	if blocksTotal != nil {
		blocksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", next.String())))
	}
	e.snapshot(ctx, state, fmt.Sprintf("after block %s", id), res)
}

// fail marks a block Failed and snapshots state. Dependents pick up the
// failure when their own wave partitions.
func (e *Executor) fail(ctx context.Context, state *RunState, id string, cause error, res *Result) {
	if err := state.Transition(id, block.Failed, cause.Error()); err != nil {
		e.logger.Error("failure transition failed", slog.String("block", id), slog.String("error", err.Error()))
		return
	}
	if blocksTotal != nil {
		blocksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", block.Failed.String())))
	}
	e.snapshot(ctx, state, fmt.Sprintf("after block %s", id), res)
}

// shedIfPressured cancels the lowest-priority in-flight block when the
// resource monitor reports a hard limit exceeded. The cancelled block is
// re-routed through recovery with a resource fault, where the configured
// policy can simplify or subdivide it.
func (e *Executor) shedIfPressured(state *RunState, inflight map[string]*inflightEntry) {
	if e.monitor == nil || len(inflight) == 0 {
		return
	}
	levels, err := e.monitor.CheckLimits()
	if err != nil || levels.Worst() != resource.LevelExceeded {
		return
	}

	victim := ""
	for id, entry := range inflight {
		if entry.shedAs != fault.KindUnknown {
			continue
		}
		if victim == "" || entry.priority < inflight[victim].priority ||
			(entry.priority == inflight[victim].priority && id > victim) {
			victim = id
		}
	}
	if victim == "" {
		return
	}

	entry := inflight[victim]
	entry.shedAs = resourceFaultKind(levels)
	entry.cancel()
	if shedTotal != nil {
		shedTotal.Add(context.Background(), 1)
	}
	e.logger.Warn("shedding in-flight block under resource pressure",
		slog.String("block", victim),
		slog.String("kind", entry.shedAs.String()))
}

// resourceFaultKind picks the fault kind for the exceeded dimension.
func resourceFaultKind(levels resource.Levels) fault.Kind {
	switch {
	case levels.Memory == resource.LevelExceeded:
		return fault.KindMemoryLimitExceeded
	case levels.CPU == resource.LevelExceeded:
		return fault.KindCPULimitExceeded
	default:
		return fault.KindDiskLimitExceeded
	}
}

// checkpointOp is the retryable form of a checkpoint write, handed to the
// recovery manager when the initial Create fails.
type checkpointOp struct {
	store  *checkpoint.Store
	state  *RunState
	reason string
}

func (o *checkpointOp) ID() string { return "checkpoint " + o.reason }

func (o *checkpointOp) Run(ctx context.Context) error {
	_, err := o.store.Create(ctx, o.state.Snapshot(), o.reason, o.state.String(), nil)
	return err
}

// snapshot persists the run state when checkpointing is enabled. A failed
// Create is retried under the recovery manager's persistence policy; only
// once recovery gives up does the failure degrade to a warning. Losing a
// checkpoint must not fail a block.
func (e *Executor) snapshot(ctx context.Context, state *RunState, reason string, res *Result) {
	if e.ckpts == nil || !e.cfg.Checkpoint {
		return
	}
	_, err := e.ckpts.Create(ctx, state.Snapshot(), reason, state.String(), nil)
	if err == nil {
		return
	}

	if e.rec != nil {
		out := e.rec.Attempt(ctx, &checkpointOp{store: e.ckpts, state: state, reason: reason}, err)
		if out.Disposition == recovery.Recovered {
			return
		}
		if out.Warning != "" {
			e.logger.Warn("checkpoint degraded", slog.String("reason", reason), slog.String("warning", out.Warning))
			res.Warnings = append(res.Warnings, out.Warning)
			return
		}
		if out.Err != nil {
			err = out.Err
		}
	}

	e.logger.Warn("checkpoint failed", slog.String("reason", reason), slog.String("error", err.Error()))
	res.Warnings = append(res.Warnings, fmt.Sprintf("checkpoint %q failed: %v", reason, err))
}

// finalize resolves every non-terminal block to a terminal status and
// fills in the result summary.
func (e *Executor) finalize(state *RunState, res *Result, started time.Time) {
	for _, id := range e.graph.BlockIDs() {
		switch state.Status(id) {
		case block.NotStarted:
			_ = state.Transition(id, block.Blocked, "run ended before block became runnable")
			_ = state.Transition(id, block.Failed, "run ended before block became runnable")
		case block.Ready, block.Blocked:
			reason := state.Reason(id)
			if reason == "" {
				reason = "run ended before block executed"
			}
			if state.Status(id) == block.Ready {
				// Ready has no direct edge to Failed.
				_ = state.Transition(id, block.Blocked, reason)
			}
			_ = state.Transition(id, block.Failed, reason)
		case block.InProgress:
			_ = state.Transition(id, block.Failed, "run cancelled mid-execution")
		}
	}

	res.Duration = time.Since(started)
	res.Artifacts = state.AllArtifacts()
	res.Statuses = make(map[string]block.Status, e.graph.Len())
	res.Reasons = make(map[string]string)
	for _, id := range e.graph.BlockIDs() {
		res.Statuses[id] = state.Status(id)
		if r := state.Reason(id); r != "" {
			res.Reasons[id] = r
		}
	}
}

// executeSteps runs a block's steps under its effort deadline, then
// validates the produced artifacts.
func (e *Executor) executeSteps(ctx context.Context, b *block.Block, steps []block.Step, scope Scope) (map[string][]byte, ValidationReport, error) {
	effort := b.EstimatedEffort
	if effort <= 0 {
		effort = e.cfg.DefaultEffort
	}
	deadline := time.Duration(float64(effort) * e.cfg.TimeoutMultiplier)
	bctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	artifacts := make(map[string][]byte, len(steps))
	for _, step := range steps {
		content, err := e.gen.Generate(bctx, b, step, scope)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && bctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, ValidationReport{}, fault.New(fault.KindTimeout, b.ID,
					"block %q exceeded its %s deadline in step %q", b.ID, deadline, step.Name)
			}
			if errors.Is(err, context.Canceled) {
				return nil, ValidationReport{}, err
			}
			return nil, ValidationReport{}, fault.Wrap(fault.KindGenerationFailure, b.ID, err)
		}
		artifacts[step.TargetPath] = content
	}

	report, err := e.val.Validate(bctx, b, artifacts)
	if err != nil {
		return nil, ValidationReport{}, fault.Wrap(fault.KindValidationFailure, b.ID, err)
	}
	return artifacts, report, nil
}
