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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the recovery manager.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// RetriesTotal counts retry attempts by fault kind.
	RetriesTotal *prometheus.CounterVec

	// RecoveredTotal counts operations recovered by retry, by fault kind.
	RecoveredTotal *prometheus.CounterVec

	// FallbackTotal counts fallback invocations by action.
	FallbackTotal *prometheus.CounterVec
}

// NewMetrics creates recovery metrics registered on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forge",
				Subsystem: "recovery",
				Name:      "retries_total",
				Help:      "Total retry attempts by fault kind",
			},
			[]string{"kind"},
		),
		RecoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forge",
				Subsystem: "recovery",
				Name:      "recovered_total",
				Help:      "Operations recovered by retry, by fault kind",
			},
			[]string{"kind"},
		),
		FallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forge",
				Subsystem: "recovery",
				Name:      "fallback_total",
				Help:      "Fallback invocations by action",
			},
			[]string{"action"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.RetriesTotal, m.RecoveredTotal, m.FallbackTotal)
	}
	return m
}
