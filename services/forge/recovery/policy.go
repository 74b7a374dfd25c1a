// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"time"

	"github.com/AleutianAI/forge/services/forge/fault"
)

// FallbackKind selects the terminal recovery behavior applied once retries
// are exhausted.
type FallbackKind int

const (
	// FallbackAbort propagates the error; fatal for the enclosing block.
	FallbackAbort FallbackKind = iota

	// FallbackSkip reports the operation's absence as a recoverable
	// non-result. Not a success.
	FallbackSkip

	// FallbackSimplify re-invokes a reduced-scope variant once.
	FallbackSimplify

	// FallbackRevert restores the most recent checkpoint and fails the
	// operation.
	FallbackRevert

	// FallbackUseAlternate substitutes a named alternative operation and
	// invokes it once.
	FallbackUseAlternate

	// FallbackSubdivide splits the operation into smaller units and
	// attempts each independently.
	FallbackSubdivide
)

// String returns the fallback name used in logs and config.
func (k FallbackKind) String() string {
	switch k {
	case FallbackAbort:
		return "abort"
	case FallbackSkip:
		return "skip"
	case FallbackSimplify:
		return "simplify"
	case FallbackRevert:
		return "revert"
	case FallbackUseAlternate:
		return "use_alternate"
	case FallbackSubdivide:
		return "subdivide"
	default:
		return "unknown"
	}
}

// Fallback is a configured fallback action.
type Fallback struct {
	Kind FallbackKind `json:"kind" yaml:"kind"`

	// AlternateID names the substitute operation for FallbackUseAlternate.
	AlternateID string `json:"alternate_id,omitempty" yaml:"alternate_id,omitempty"`
}

// Policy maps an error category to its retry/backoff/fallback behavior.
type Policy struct {
	// MaxRetries is how many times the failed operation is re-invoked
	// before the fallback fires.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// Backoff is the delay schedule between retries.
	Backoff Backoff `json:"backoff" yaml:"backoff"`

	// Fallback is applied exactly once when retries are exhausted.
	Fallback Fallback `json:"fallback" yaml:"fallback"`
}

// DefaultPolicy is the conservative policy applied to unmatched error
// categories: one retry, fixed short backoff, abort.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 1,
		Backoff:    Fixed(100 * time.Millisecond),
		Fallback:   Fallback{Kind: FallbackAbort},
	}
}

// DefaultPolicies returns the per-category defaults the engine starts with.
// Resource pressure favors scope reduction; transient execution failures
// favor retry with exponential backoff; checkpoint-create failures retry
// and then degrade to continuing without a checkpoint.
func DefaultPolicies() map[fault.Kind]Policy {
	return map[fault.Kind]Policy{
		fault.KindMemoryLimitExceeded: {
			MaxRetries: 1,
			Backoff:    Fixed(250 * time.Millisecond),
			Fallback:   Fallback{Kind: FallbackSubdivide},
		},
		fault.KindCPULimitExceeded: {
			MaxRetries: 1,
			Backoff:    Linear(250*time.Millisecond, 250*time.Millisecond, 2*time.Second),
			Fallback:   Fallback{Kind: FallbackSimplify},
		},
		fault.KindDiskLimitExceeded: {
			MaxRetries: 0,
			Backoff:    Fixed(0),
			Fallback:   Fallback{Kind: FallbackSimplify},
		},
		fault.KindGenerationFailure: {
			MaxRetries: 3,
			Backoff:    Exponential(500*time.Millisecond, 2, 10*time.Second),
			Fallback:   Fallback{Kind: FallbackSimplify},
		},
		fault.KindValidationFailure: {
			MaxRetries: 2,
			Backoff:    Fixed(time.Second),
			Fallback:   Fallback{Kind: FallbackRevert},
		},
		fault.KindBuildError: {
			MaxRetries: 2,
			Backoff:    Exponential(time.Second, 2, 30*time.Second),
			Fallback:   Fallback{Kind: FallbackAbort},
		},
		fault.KindTimeout: {
			MaxRetries: 1,
			Backoff:    Fixed(time.Second),
			Fallback:   Fallback{Kind: FallbackSubdivide},
		},
		fault.KindSerialization: {
			MaxRetries: 2,
			Backoff:    Fixed(200 * time.Millisecond),
			Fallback:   Fallback{Kind: FallbackSkip},
		},
		fault.KindIO: {
			MaxRetries: 3,
			Backoff:    Exponential(200*time.Millisecond, 2, 5*time.Second),
			Fallback:   Fallback{Kind: FallbackSkip},
		},
	}
}
