// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource implements per-run resource monitoring.
//
// One Monitor is instantiated per orchestration run and injected into the
// scheduler and the adaptive chunker. There is no ambient process-wide
// state: all counters live behind the monitor's mutex.
package resource

import (
	"log/slog"
	"sync"
	"time"
)

// Level classifies a resource reading against its limit.
type Level int

const (
	// LevelNormal means usage is at or below the warning threshold.
	LevelNormal Level = iota

	// LevelWarning means usage exceeds the warning fraction of the limit.
	LevelWarning

	// LevelExceeded means usage exceeds the limit.
	LevelExceeded
)

// String returns the level name used in logs.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Limits holds the configured per-resource ceilings. A zero limit disables
// monitoring for that resource.
type Limits struct {
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes" validate:"gte=0"`
	CPUPercent  float64 `json:"cpu_percent" yaml:"cpu_percent" validate:"gte=0"`
	DiskBytes   int64   `json:"disk_bytes" yaml:"disk_bytes" validate:"gte=0"`
}

// Sample is one timestamped resource reading with its limits.
type Sample struct {
	Taken  time.Time
	Usage  Usage
	Limits Limits
}

// Levels holds the per-resource classification of one reading.
type Levels struct {
	Memory Level
	CPU    Level
	Disk   Level
}

// Worst returns the most severe level across the three resources.
func (l Levels) Worst() Level {
	worst := l.Memory
	if l.CPU > worst {
		worst = l.CPU
	}
	if l.Disk > worst {
		worst = l.Disk
	}
	return worst
}

// Config configures a Monitor.
type Config struct {
	// Limits are the per-resource ceilings.
	Limits Limits `json:"limits" yaml:"limits"`

	// WarnFraction is the fraction of a limit at which a reading becomes a
	// warning. Default: 0.9.
	WarnFraction float64 `json:"warn_fraction" yaml:"warn_fraction" validate:"gte=0,lte=1"`

	// UpdateInterval rate-limits sampling: Update calls within the interval
	// of the previous sample are skipped. Default: 1s.
	UpdateInterval time.Duration `json:"update_interval" yaml:"update_interval"`

	// HistorySize bounds the in-memory sample history. Default: 64.
	HistorySize int `json:"history_size" yaml:"history_size"`
}

// DefaultConfig returns production defaults for monitoring.
func DefaultConfig() Config {
	return Config{
		WarnFraction:   0.9,
		UpdateInterval: time.Second,
		HistorySize:    64,
	}
}

// Monitor samples resource usage against configured limits.
//
// # Description
//
// Monitor rate-limits its own sampling, tracks a monotonic memory
// high-watermark, and keeps a bounded history of samples for trend
// reporting. It never cancels anything itself; the scheduler reads
// CheckLimits and decides what to shed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	cfg     Config
	probe   Probe
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	lastUpdate    time.Time
	current       Sample
	hasSample     bool
	memHighWater  int64
	history       *sampleRing
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithProbe substitutes the usage probe (used by tests).
func WithProbe(p Probe) Option {
	return func(m *Monitor) { m.probe = p }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithClock substitutes the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a resource monitor.
//
// Inputs:
//
//	cfg - Monitor configuration. Zero-value fields take defaults.
//	logger - Logger for limit events. If nil, uses slog.Default().
//	opts - Optional probe/metrics/clock overrides.
//
// Outputs:
//
//	*Monitor - The configured monitor. Never nil.
func NewMonitor(cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WarnFraction <= 0 || cfg.WarnFraction > 1 {
		cfg.WarnFraction = 0.9
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}

	m := &Monitor{
		cfg:     cfg,
		probe:   NewProcessProbe(""),
		logger:  logger,
		now:     time.Now,
		history: newSampleRing(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update takes a new sample unless the update interval has not elapsed.
//
// # Description
//
// Rate-limited: a call within UpdateInterval of the previous sample is a
// no-op. On a fresh sample the memory high-watermark and history are
// updated. Sample timestamps are strictly monotonic: they are taken from
// the injected clock after the rate-limit gate passes.
//
// Outputs:
//
//	bool - True if a new sample was taken, false if rate-limited.
//	error - Non-nil if the probe failed.
func (m *Monitor) Update() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked()
}

func (m *Monitor) updateLocked() (bool, error) {
	now := m.now()
	if m.hasSample && now.Sub(m.lastUpdate) < m.cfg.UpdateInterval {
		return false, nil
	}

	usage, err := m.probe.Sample()
	if err != nil {
		return false, err
	}

	m.lastUpdate = now
	m.current = Sample{Taken: now, Usage: usage, Limits: m.cfg.Limits}
	m.hasSample = true
	m.history.push(m.current)

	if usage.MemoryBytes > m.memHighWater {
		m.memHighWater = usage.MemoryBytes
		if m.metrics != nil {
			m.metrics.HighWatermarkBytes.Set(float64(m.memHighWater))
		}
	}

	if m.metrics != nil {
		m.metrics.UsagePercent.WithLabelValues("memory").Set(percent(float64(usage.MemoryBytes), float64(m.cfg.Limits.MemoryBytes)))
		m.metrics.UsagePercent.WithLabelValues("cpu").Set(percent(usage.CPUPercent, m.cfg.Limits.CPUPercent))
		m.metrics.UsagePercent.WithLabelValues("disk").Set(percent(float64(usage.DiskBytes), float64(m.cfg.Limits.DiskBytes)))
	}

	return true, nil
}

// CheckLimits updates the sample (subject to rate limiting) and classifies
// each resource against its limit.
//
// Outputs:
//
//	Levels - Per-resource classification.
//	error - Non-nil if a fresh sample was needed and the probe failed.
func (m *Monitor) CheckLimits() (Levels, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.updateLocked(); err != nil {
		return Levels{}, err
	}

	u := m.current.Usage
	levels := Levels{
		Memory: m.classify(float64(u.MemoryBytes), float64(m.cfg.Limits.MemoryBytes), "memory"),
		CPU:    m.classify(u.CPUPercent, m.cfg.Limits.CPUPercent, "cpu"),
		Disk:   m.classify(float64(u.DiskBytes), float64(m.cfg.Limits.DiskBytes), "disk"),
	}
	return levels, nil
}

// classify maps a usage/limit pair to a level and records metrics.
// Caller holds m.mu.
func (m *Monitor) classify(usage, limit float64, resourceName string) Level {
	if limit <= 0 {
		return LevelNormal
	}
	switch {
	case usage > limit:
		if m.metrics != nil {
			m.metrics.LimitExceededTotal.WithLabelValues(resourceName).Inc()
		}
		m.logger.Warn("resource limit exceeded",
			slog.String("resource", resourceName),
			slog.Float64("usage", usage),
			slog.Float64("limit", limit),
		)
		return LevelExceeded
	case usage > limit*m.cfg.WarnFraction:
		if m.metrics != nil {
			m.metrics.WarningTotal.WithLabelValues(resourceName).Inc()
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// MemoryPercent returns memory usage as a percentage of its limit.
// Returns 0 when no limit is configured or no sample has been taken.
func (m *Monitor) MemoryPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return percent(float64(m.current.Usage.MemoryBytes), float64(m.cfg.Limits.MemoryBytes))
}

// CPUPercent returns CPU usage as a percentage of its limit.
func (m *Monitor) CPUPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return percent(m.current.Usage.CPUPercent, m.cfg.Limits.CPUPercent)
}

// DiskPercent returns disk usage as a percentage of its limit.
func (m *Monitor) DiskPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return percent(float64(m.current.Usage.DiskBytes), float64(m.cfg.Limits.DiskBytes))
}

// HighWatermark returns the peak memory usage observed, in bytes.
func (m *Monitor) HighWatermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memHighWater
}

// Current returns the latest sample.
//
// Outputs:
//
//	Sample - The latest sample.
//	bool - False if Update has never taken a sample.
func (m *Monitor) Current() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.last()
}

// History returns retained samples oldest-first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.items()
}

// MemoryTrend reports the per-sample change in memory usage across the
// retained history, in bytes. Positive values mean usage is growing. Used
// by the executor's load-shedding decision.
func (m *Monitor) MemoryTrend() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.history.items()
	if len(samples) < 2 {
		return 0
	}
	first := samples[0].Usage.MemoryBytes
	last := samples[len(samples)-1].Usage.MemoryBytes
	return (last - first) / int64(len(samples)-1)
}

func percent(usage, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return usage / limit * 100
}
