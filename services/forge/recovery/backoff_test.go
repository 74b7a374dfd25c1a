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
	"testing"
	"time"
)

func TestBackoffFixed_Constant(t *testing.T) {
	b := Fixed(200 * time.Millisecond)
	for retry := 0; retry < 10; retry++ {
		if got := b.DelayFor(retry); got != 200*time.Millisecond {
			t.Errorf("retry %d: delay = %v, want 200ms", retry, got)
		}
	}
}

func TestBackoffExponential_Sequence(t *testing.T) {
	b := Exponential(100*time.Millisecond, 2, 2*time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second, // capped
		2 * time.Second,
	}
	for retry, w := range want {
		if got := b.DelayFor(retry); got != w {
			t.Errorf("retry %d: delay = %v, want %v", retry, got, w)
		}
	}
}

func TestBackoffLinear_Sequence(t *testing.T) {
	b := Linear(100*time.Millisecond, 50*time.Millisecond, 300*time.Millisecond)

	want := []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond, // capped
	}
	for retry, w := range want {
		if got := b.DelayFor(retry); got != w {
			t.Errorf("retry %d: delay = %v, want %v", retry, got, w)
		}
	}
}

func TestBackoff_NonDecreasingNeverAboveMax(t *testing.T) {
	backoffs := map[string]Backoff{
		"exponential": Exponential(50*time.Millisecond, 3, 5*time.Second),
		"linear":      Linear(10*time.Millisecond, 25*time.Millisecond, time.Second),
	}

	for name, b := range backoffs {
		t.Run(name, func(t *testing.T) {
			prev := time.Duration(-1)
			for retry := 0; retry < 50; retry++ {
				d := b.DelayFor(retry)
				if d < prev {
					t.Fatalf("retry %d: delay %v decreased from %v", retry, d, prev)
				}
				if d > b.Max {
					t.Fatalf("retry %d: delay %v exceeds max %v", retry, d, b.Max)
				}
				prev = d
			}
		})
	}
}

func TestBackoffExponential_NoOverflow(t *testing.T) {
	b := Exponential(time.Second, 10, time.Minute)
	if got := b.DelayFor(200); got != time.Minute {
		t.Errorf("huge retry index: delay = %v, want capped at 1m", got)
	}
}

func TestBackoffLinear_NoOverflow(t *testing.T) {
	b := Linear(time.Second, math.MaxInt64/2, time.Minute)
	if got := b.DelayFor(100); got != time.Minute {
		t.Errorf("huge increment: delay = %v, want capped at 1m", got)
	}
}

func TestBackoff_SaturatesPositiveWithoutMax(t *testing.T) {
	backoffs := map[string]Backoff{
		"exponential": Exponential(time.Second, 10, 0),
		"linear":      Linear(time.Second, math.MaxInt64/2, 0),
	}
	for name, b := range backoffs {
		t.Run(name, func(t *testing.T) {
			if got := b.DelayFor(300); got < 0 {
				t.Errorf("delay overflowed negative: %v", got)
			}
		})
	}
}
