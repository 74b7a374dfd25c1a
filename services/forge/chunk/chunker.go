// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunk implements adaptive, line-preserving input chunking.
//
// Chunk sizes adapt to live feedback from the resource monitor: when memory
// pressure is above the configured target the chunker shrinks, when usage is
// comfortably below it grows. Boundaries never fall inside a line, and
// consecutive chunks share a bounded overlap region so cross-boundary
// context survives splitting.
package chunk

import (
	"log/slog"
	"strings"
	"sync"
)

// Default chunk geometry.
const (
	DefaultInitialSize = 1024
	DefaultMinSize     = 512
	DefaultMaxSize     = 64 * 1024
	DefaultOverlap     = 128
)

// Chunk is one piece of split content.
type Chunk struct {
	// Index is the chunk's position in the split sequence.
	Index int

	// Offset is the byte offset of the chunk's non-overlap region in the
	// original content.
	Offset int

	// Overlap is the number of leading bytes duplicated from the previous
	// chunk's tail. Always 0 for the first chunk.
	Overlap int

	// Content is the chunk text including the overlap prefix.
	Content string
}

// Body returns the chunk content with the overlap prefix removed.
// Concatenating Body over all chunks reconstructs the original input.
func (c Chunk) Body() string {
	return c.Content[c.Overlap:]
}

// UsageReader reports current memory usage as a percentage of its limit.
// Satisfied by *resource.Monitor.
type UsageReader interface {
	MemoryPercent() float64
}

// Config configures a Chunker.
type Config struct {
	// InitialSize is the starting chunk size in bytes. Default: 1024.
	InitialSize int `json:"initial_size" yaml:"initial_size" validate:"gte=0"`

	// MinSize clamps shrinking. Default: 512.
	MinSize int `json:"min_size" yaml:"min_size" validate:"gte=0"`

	// MaxSize clamps growth. Default: 65536.
	MaxSize int `json:"max_size" yaml:"max_size" validate:"gte=0"`

	// Overlap is the desired overlap between consecutive chunks in bytes,
	// bounded at split time by the preceding chunk's length. Default: 128.
	Overlap int `json:"overlap" yaml:"overlap" validate:"gte=0"`

	// AdjustFactor is the multiplicative size adjustment in (0,1): shrink
	// multiplies by it, growth divides by it. Default: 0.5.
	AdjustFactor float64 `json:"adjust_factor" yaml:"adjust_factor" validate:"gte=0,lte=1"`

	// TargetUsagePercent is the memory usage (percent of limit) above which
	// the chunker shrinks; below half of it the chunker grows. Default: 80.
	TargetUsagePercent float64 `json:"target_usage_percent" yaml:"target_usage_percent" validate:"gte=0,lte=100"`
}

// DefaultConfig returns the default chunk geometry.
func DefaultConfig() Config {
	return Config{
		InitialSize:        DefaultInitialSize,
		MinSize:            DefaultMinSize,
		MaxSize:            DefaultMaxSize,
		Overlap:            DefaultOverlap,
		AdjustFactor:       0.5,
		TargetUsagePercent: 80,
	}
}

// Chunker splits large textual inputs adaptively.
//
// # Thread Safety
//
// Safe for concurrent use; the remembered chunk size is guarded by a mutex.
type Chunker struct {
	mu sync.Mutex

	cfg     Config
	monitor UsageReader
	logger  *slog.Logger

	// size is remembered across calls; CalculateChunkSize mutates it.
	size int
}

// NewChunker creates an adaptive chunker.
//
// Inputs:
//
//	cfg - Chunk geometry. Zero-value fields take defaults.
//	monitor - Usage feedback source. If nil, the size never adapts.
//	logger - Logger for size adjustments. If nil, uses slog.Default().
//
// Outputs:
//
//	*Chunker - The configured chunker. Never nil.
func NewChunker(cfg Config, monitor UsageReader, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = DefaultInitialSize
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = DefaultMinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.AdjustFactor <= 0 || cfg.AdjustFactor >= 1 {
		cfg.AdjustFactor = 0.5
	}
	if cfg.TargetUsagePercent <= 0 || cfg.TargetUsagePercent > 100 {
		cfg.TargetUsagePercent = 80
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}

	return &Chunker{
		cfg:     cfg,
		monitor: monitor,
		logger:  logger,
		size:    clamp(cfg.InitialSize, cfg.MinSize, cfg.MaxSize),
	}
}

// CalculateChunkSize returns the chunk size to use next, adjusted by current
// resource pressure.
//
// # Description
//
// Reads memory usage from the monitor. Above the target the current size
// shrinks by AdjustFactor (clamped to MinSize); below half the target it
// grows by the inverse factor (clamped to MaxSize); otherwise it is
// unchanged. The result is remembered for the next call.
func (c *Chunker) CalculateChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor == nil {
		return c.size
	}

	usage := c.monitor.MemoryPercent()
	prev := c.size

	switch {
	case usage > c.cfg.TargetUsagePercent:
		c.size = clamp(int(float64(c.size)*c.cfg.AdjustFactor), c.cfg.MinSize, c.cfg.MaxSize)
	case usage < c.cfg.TargetUsagePercent/2:
		c.size = clamp(int(float64(c.size)/c.cfg.AdjustFactor), c.cfg.MinSize, c.cfg.MaxSize)
	}

	if c.size != prev {
		c.logger.Debug("chunk size adjusted",
			slog.Int("previous", prev),
			slog.Int("current", c.size),
			slog.Float64("memory_percent", usage),
		)
	}

	return c.size
}

// Chunk splits content into line-preserving chunks with overlap.
//
// # Description
//
// Each boundary is the nearest line end at or after the size offset, so no
// chunk boundary ever falls inside a line. Every chunk after the first
// carries an overlap prefix of min(Overlap, previous chunk length) bytes.
// Content shorter than the chunk size yields exactly one chunk.
//
// Inputs:
//
//	content - Input text. May be empty.
//
// Outputs:
//
//	[]Chunk - At least one chunk, whose bodies concatenate back to content.
func (c *Chunker) Chunk(content string) []Chunk {
	size := c.CalculateChunkSize()

	if len(content) <= size {
		return []Chunk{{Index: 0, Offset: 0, Content: content}}
	}

	var chunks []Chunk
	pos := 0
	prevLen := 0

	for pos < len(content) {
		end := pos + size
		if end >= len(content) {
			end = len(content)
		} else {
			// True boundary: nearest line end at or after the size offset.
			if nl := strings.IndexByte(content[end:], '\n'); nl >= 0 {
				end = end + nl + 1
			} else {
				end = len(content)
			}
		}

		overlap := 0
		if len(chunks) > 0 {
			overlap = min(c.cfg.Overlap, prevLen)
		}

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Offset:  pos,
			Overlap: overlap,
			Content: content[pos-overlap : end],
		})

		prevLen = end - pos
		pos = end

		// Re-read pressure between chunks; this is where adaptation bites
		// on very large inputs.
		size = c.CalculateChunkSize()
	}

	return chunks
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
