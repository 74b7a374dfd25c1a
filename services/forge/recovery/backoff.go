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
	"math"
	"time"
)

// BackoffKind selects a delay schedule between retry attempts.
type BackoffKind int

const (
	// BackoffFixed sleeps a constant delay.
	BackoffFixed BackoffKind = iota

	// BackoffExponential sleeps initial × factor^retry, capped at max.
	BackoffExponential

	// BackoffLinear sleeps initial + increment × retry, capped at max.
	BackoffLinear
)

// String returns the kind name used in logs and config.
func (k BackoffKind) String() string {
	switch k {
	case BackoffFixed:
		return "fixed"
	case BackoffExponential:
		return "exponential"
	case BackoffLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// Backoff is a retry delay specification.
type Backoff struct {
	// Kind selects the schedule.
	Kind BackoffKind `json:"kind" yaml:"kind"`

	// Initial is the base delay (the constant delay for BackoffFixed).
	Initial time.Duration `json:"initial" yaml:"initial"`

	// Factor is the exponential multiplier. Ignored for other kinds.
	Factor float64 `json:"factor" yaml:"factor"`

	// Increment is the linear step. Ignored for other kinds.
	Increment time.Duration `json:"increment" yaml:"increment"`

	// Max caps the delay for exponential and linear schedules.
	Max time.Duration `json:"max" yaml:"max"`
}

// Fixed returns a constant-delay backoff.
func Fixed(delay time.Duration) Backoff {
	return Backoff{Kind: BackoffFixed, Initial: delay}
}

// Exponential returns an exponential backoff.
func Exponential(initial time.Duration, factor float64, max time.Duration) Backoff {
	return Backoff{Kind: BackoffExponential, Initial: initial, Factor: factor, Max: max}
}

// Linear returns a linear backoff.
func Linear(initial, increment, max time.Duration) Backoff {
	return Backoff{Kind: BackoffLinear, Initial: initial, Increment: increment, Max: max}
}

// DelayFor returns the delay to sleep before retry attempt `retry`
// (zero-based).
//
// # Description
//
// Fixed is constant; Exponential is initial × factor^retry capped at Max;
// Linear is initial + increment × retry capped at Max. Sequences are
// non-decreasing for exponential (factor ≥ 1) and linear (increment ≥ 0)
// schedules, and never exceed Max when one is set.
func (b Backoff) DelayFor(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}

	var d time.Duration
	switch b.Kind {
	case BackoffFixed:
		return b.Initial
	case BackoffExponential:
		factor := b.Factor
		if factor <= 0 {
			factor = 2
		}
		d = saturatingDuration(float64(b.Initial) * math.Pow(factor, float64(retry)))
	case BackoffLinear:
		d = saturatingDuration(float64(b.Initial) + float64(b.Increment)*float64(retry))
	default:
		return b.Initial
	}

	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// saturatingDuration converts a nanosecond count to a Duration without
// overflowing. float64(MaxInt64) rounds up to 2^63, so the comparison must
// be >= or the converted value wraps negative.
func saturatingDuration(ns float64) time.Duration {
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
