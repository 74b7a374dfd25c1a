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
	"bytes"
	"sort"
)

// Comparison relates two branches' change sets against the same baseline.
type Comparison struct {
	// Common lists paths both branches changed to identical content.
	Common []string `json:"common"`

	// UniqueToA lists paths only branch A changed.
	UniqueToA []string `json:"unique_to_a"`

	// UniqueToB lists paths only branch B changed.
	UniqueToB []string `json:"unique_to_b"`

	// Conflicts lists paths both branches changed to different content.
	Conflicts []string `json:"conflicts"`
}

// Compare partitions the two branches' changed paths into common, unique,
// and conflicting sets. A path counts as changed when the branch's
// artifact differs from the baseline or is new. All slices come back
// sorted.
func Compare(a, b *Branch, baseline map[string][]byte) Comparison {
	changedA := changedPaths(a, baseline)
	changedB := changedPaths(b, baseline)

	var cmp Comparison
	for path := range changedA {
		if _, ok := changedB[path]; !ok {
			cmp.UniqueToA = append(cmp.UniqueToA, path)
			continue
		}
		if bytes.Equal(a.Artifacts[path], b.Artifacts[path]) {
			cmp.Common = append(cmp.Common, path)
		} else {
			cmp.Conflicts = append(cmp.Conflicts, path)
		}
	}
	for path := range changedB {
		if _, ok := changedA[path]; !ok {
			cmp.UniqueToB = append(cmp.UniqueToB, path)
		}
	}

	sort.Strings(cmp.Common)
	sort.Strings(cmp.UniqueToA)
	sort.Strings(cmp.UniqueToB)
	sort.Strings(cmp.Conflicts)
	return cmp
}

// changedPaths returns the branch's artifact paths whose content differs
// from the baseline.
func changedPaths(b *Branch, baseline map[string][]byte) map[string]struct{} {
	out := make(map[string]struct{}, len(b.Artifacts))
	for path, content := range b.Artifacts {
		if base, ok := baseline[path]; ok && bytes.Equal(base, content) {
			continue
		}
		out[path] = struct{}{}
	}
	return out
}
