// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery maps failure categories to retry/backoff/fallback
// policy and drives policy-governed recovery of failed operations.
//
// The scheduler delegates every execution failure here before deciding
// whether a block is Failed or retried. Structural faults are never
// retried; they surface immediately.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/fault"
)

// Operation is a retryable unit of work.
type Operation interface {
	// ID identifies the operation for logging and alternate lookup.
	ID() string

	// Run executes the operation. A nil error means success.
	Run(ctx context.Context) error
}

// Simplifiable operations can produce a reduced-scope variant for the
// Simplify fallback.
type Simplifiable interface {
	Simplify() Operation
}

// Subdividable operations can split their scope into smaller units for the
// Subdivide fallback.
type Subdividable interface {
	Subdivide() []Operation
}

// RestoreFunc applies a checkpoint snapshot back onto live state. Injected
// by the scheduler; the manager never mutates scheduling state itself.
type RestoreFunc func(ctx context.Context, snap *checkpoint.Snapshot) error

// Disposition describes how an Attempt concluded.
type Disposition int

const (
	// Recovered means a retry succeeded; no fallback fired.
	Recovered Disposition = iota

	// Skipped means the Skip fallback reported a recoverable non-result.
	Skipped

	// Simplified means the reduced-scope variant succeeded.
	Simplified

	// Reverted means state was restored from the latest checkpoint and the
	// operation failed.
	Reverted

	// Substituted means the named alternate succeeded.
	Substituted

	// Subdivided means every subdivided unit succeeded.
	Subdivided

	// Aborted means the error propagates; fatal for the enclosing block.
	Aborted
)

// String returns the disposition name used in logs.
func (d Disposition) String() string {
	switch d {
	case Recovered:
		return "recovered"
	case Skipped:
		return "skipped"
	case Simplified:
		return "simplified"
	case Reverted:
		return "reverted"
	case Substituted:
		return "substituted"
	case Subdivided:
		return "subdivided"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is the result of policy-governed recovery.
type Outcome struct {
	// Disposition says how recovery concluded.
	Disposition Disposition

	// Retries is how many retry attempts were made.
	Retries int

	// Err is the final error. Nil for Recovered, Skipped, Simplified,
	// Substituted, and Subdivided outcomes; Skip's nil error is still not
	// a success (the disposition records the non-result).
	Err error

	// Warning carries a degradation note to surface (for example,
	// continuing without a checkpoint).
	Warning string
}

// Failed reports whether the enclosing work must be treated as failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Manager evaluates recovery policy.
//
// # Thread Safety
//
// Safe for concurrent use after construction. Policies and alternates are
// fixed at construction time.
type Manager struct {
	policies   map[fault.Kind]Policy
	def        Policy
	alternates map[string]Operation
	store      *checkpoint.Store
	restore    RestoreFunc
	logger     *slog.Logger
	metrics    *Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithPolicies replaces the per-category policy table.
func WithPolicies(policies map[fault.Kind]Policy) ManagerOption {
	return func(m *Manager) { m.policies = policies }
}

// WithDefaultPolicy replaces the conservative policy for unmatched
// categories.
func WithDefaultPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.def = p }
}

// WithAlternate registers a substitute operation for UseAlternate
// fallbacks.
func WithAlternate(id string, op Operation) ManagerOption {
	return func(m *Manager) { m.alternates[id] = op }
}

// WithCheckpoints attaches the checkpoint store and restore hook used by
// the Revert fallback.
func WithCheckpoints(store *checkpoint.Store, restore RestoreFunc) ManagerOption {
	return func(m *Manager) {
		m.store = store
		m.restore = restore
	}
}

// WithManagerMetrics attaches Prometheus metrics.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// withSleep substitutes the sleep function (tests).
func withSleep(sleep func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a recovery manager with the default policy table.
//
// Inputs:
//
//	logger - Logger for recovery events. If nil, uses slog.Default().
//	opts - Policy table, alternates, checkpoint wiring.
//
// Outputs:
//
//	*Manager - The configured manager. Never nil.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		policies:   DefaultPolicies(),
		def:        DefaultPolicy(),
		alternates: make(map[string]Operation),
		logger:     logger,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StrategyFor looks up the recovery policy for an error.
//
// # Description
//
// The policy is keyed by the fault kind in the error chain; unmatched
// categories get the conservative default (low retry count, fixed short
// backoff, Abort fallback).
func (m *Manager) StrategyFor(err error) Policy {
	kind, ok := fault.KindOf(err)
	if !ok {
		return m.def
	}
	if p, found := m.policies[kind]; found {
		return p
	}
	return m.def
}

// Attempt drives policy-governed recovery of an operation that already
// failed once with cause.
//
// # Description
//
// Retries op up to the policy's MaxRetries, sleeping the backoff delay
// before each retry. When retries are exhausted, the configured fallback
// fires exactly once. Structural and other fatal faults are never retried;
// they surface immediately as Aborted.
//
// Inputs:
//
//	ctx - Context for cancellation; aborts between retries.
//	op - The failed operation.
//	cause - The error op already failed with.
//
// Outputs:
//
//	Outcome - How recovery concluded.
func (m *Manager) Attempt(ctx context.Context, op Operation, cause error) Outcome {
	var f *fault.Fault
	if errors.As(cause, &f) && f.Fatal() {
		return Outcome{Disposition: Aborted, Err: cause}
	}

	policy := m.StrategyFor(cause)
	kind, _ := fault.KindOf(cause)

	lastErr := cause
	for retry := 0; retry < policy.MaxRetries; retry++ {
		delay := policy.Backoff.DelayFor(retry)
		if err := m.sleep(ctx, delay); err != nil {
			return Outcome{Disposition: Aborted, Retries: retry, Err: err}
		}

		m.logger.Debug("retrying operation",
			slog.String("operation", op.ID()),
			slog.Int("retry", retry+1),
			slog.Int("max_retries", policy.MaxRetries),
			slog.Duration("delay", delay),
		)
		if m.metrics != nil {
			m.metrics.RetriesTotal.WithLabelValues(kind.String()).Inc()
		}

		if err := op.Run(ctx); err == nil {
			m.logger.Info("operation recovered by retry",
				slog.String("operation", op.ID()),
				slog.Int("retries", retry+1),
			)
			if m.metrics != nil {
				m.metrics.RecoveredTotal.WithLabelValues(kind.String()).Inc()
			}
			return Outcome{Disposition: Recovered, Retries: retry + 1}
		} else {
			lastErr = err
		}
	}

	return m.fallback(ctx, op, policy, lastErr)
}

// fallback applies the configured fallback action exactly once.
func (m *Manager) fallback(ctx context.Context, op Operation, policy Policy, cause error) Outcome {
	retries := policy.MaxRetries

	m.logger.Warn("retries exhausted, applying fallback",
		slog.String("operation", op.ID()),
		slog.String("fallback", policy.Fallback.Kind.String()),
		slog.String("error", cause.Error()),
	)
	if m.metrics != nil {
		m.metrics.FallbackTotal.WithLabelValues(policy.Fallback.Kind.String()).Inc()
	}

	switch policy.Fallback.Kind {
	case FallbackSkip:
		return Outcome{
			Disposition: Skipped,
			Retries:     retries,
			Warning:     fmt.Sprintf("operation %s skipped after %d retries: %v", op.ID(), retries, cause),
		}

	case FallbackSimplify:
		s, ok := op.(Simplifiable)
		if !ok {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("operation %s cannot be simplified: %w", op.ID(), cause)}
		}
		reduced := s.Simplify()
		if err := reduced.Run(ctx); err != nil {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("simplified variant failed: %w", err)}
		}
		return Outcome{Disposition: Simplified, Retries: retries,
			Warning: fmt.Sprintf("operation %s completed with reduced scope", op.ID())}

	case FallbackRevert:
		if m.store == nil || m.restore == nil {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("revert requested but no checkpoint store wired: %w", cause)}
		}
		snap, err := m.store.Latest(ctx)
		if err != nil {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("revert failed: %w", err)}
		}
		if err := m.restore(ctx, snap); err != nil {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("restore checkpoint %s: %w", snap.Meta.ID, err)}
		}
		// Revert restores state and still fails the operation.
		return Outcome{Disposition: Reverted, Retries: retries,
			Err: fmt.Errorf("reverted to checkpoint %s: %w", snap.Meta.ID, cause)}

	case FallbackUseAlternate:
		alt, ok := m.alternates[policy.Fallback.AlternateID]
		if !ok {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("alternate %q not registered: %w", policy.Fallback.AlternateID, cause)}
		}
		if err := alt.Run(ctx); err != nil {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("alternate %s failed: %w", alt.ID(), err)}
		}
		return Outcome{Disposition: Substituted, Retries: retries,
			Warning: fmt.Sprintf("operation %s substituted by %s", op.ID(), alt.ID())}

	case FallbackSubdivide:
		s, ok := op.(Subdividable)
		if !ok {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("operation %s cannot be subdivided: %w", op.ID(), cause)}
		}
		units := s.Subdivide()
		if len(units) == 0 {
			return Outcome{Disposition: Aborted, Retries: retries,
				Err: fmt.Errorf("operation %s subdivided into nothing: %w", op.ID(), cause)}
		}
		var unitErrs []error
		for _, unit := range units {
			if err := unit.Run(ctx); err != nil {
				unitErrs = append(unitErrs, fmt.Errorf("unit %s: %w", unit.ID(), err))
			}
		}
		if len(unitErrs) > 0 {
			return Outcome{Disposition: Aborted, Retries: retries, Err: errors.Join(unitErrs...)}
		}
		return Outcome{Disposition: Subdivided, Retries: retries,
			Warning: fmt.Sprintf("operation %s completed as %d subdivided units", op.ID(), len(units))}

	default: // FallbackAbort
		return Outcome{Disposition: Aborted, Retries: retries, Err: cause}
	}
}

// sleepCtx sleeps for d, returning early if the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
