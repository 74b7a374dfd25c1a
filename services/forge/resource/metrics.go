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

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for resource monitoring.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// UsagePercent is the current usage as a percentage of the limit,
	// labeled by resource.
	UsagePercent *prometheus.GaugeVec

	// LimitExceededTotal counts limit violations by resource.
	LimitExceededTotal *prometheus.CounterVec

	// WarningTotal counts warning-level readings by resource.
	WarningTotal *prometheus.CounterVec

	// HighWatermarkBytes is the peak memory observed by the monitor.
	HighWatermarkBytes prometheus.Gauge
}

// NewMetrics creates resource-monitor metrics registered on the given
// registerer. Pass prometheus.DefaultRegisterer for process-wide metrics or
// a private registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UsagePercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "forge",
				Subsystem: "resource",
				Name:      "usage_percent",
				Help:      "Current usage as a percentage of the configured limit",
			},
			[]string{"resource"},
		),
		LimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forge",
				Subsystem: "resource",
				Name:      "limit_exceeded_total",
				Help:      "Total limit violations by resource",
			},
			[]string{"resource"},
		),
		WarningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forge",
				Subsystem: "resource",
				Name:      "warning_total",
				Help:      "Total warning-level readings by resource",
			},
			[]string{"resource"},
		),
		HighWatermarkBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "forge",
				Subsystem: "resource",
				Name:      "memory_high_watermark_bytes",
				Help:      "Peak memory usage observed by the monitor",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.UsagePercent, m.LimitExceededTotal, m.WarningTotal, m.HighWatermarkBytes)
	}
	return m
}
