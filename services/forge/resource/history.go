// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

// sampleRing is a fixed-size circular buffer of samples.
//
// Provides O(1) push and bounded memory. When full, the oldest sample is
// overwritten. NOT safe for concurrent use; the monitor synchronizes access.
type sampleRing struct {
	data  []Sample
	head  int
	tail  int
	count int
	cap   int
	full  bool
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &sampleRing{
		data: make([]Sample, capacity),
		cap:  capacity,
	}
}

// push adds a sample, overwriting the oldest when full.
func (r *sampleRing) push(s Sample) {
	r.data[r.head] = s
	r.head = (r.head + 1) % r.cap

	if r.full {
		r.tail = (r.tail + 1) % r.cap
	} else {
		r.count++
		if r.count == r.cap {
			r.full = true
		}
	}
}

// items returns samples oldest-first.
func (r *sampleRing) items() []Sample {
	out := make([]Sample, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(r.tail+i)%r.cap])
	}
	return out
}

// last returns the most recent sample.
func (r *sampleRing) last() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	idx := (r.head - 1 + r.cap) % r.cap
	return r.data[idx], true
}
