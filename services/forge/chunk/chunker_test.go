// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunk

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// fixedUsage reports a constant memory percentage.
type fixedUsage struct {
	percent float64
}

func (u fixedUsage) MemoryPercent() float64 { return u.percent }

func steadyChunker(size, overlap int) *Chunker {
	cfg := DefaultConfig()
	cfg.InitialSize = size
	cfg.MinSize = 1
	cfg.Overlap = overlap
	// No monitor: the size never adapts.
	return NewChunker(cfg, nil, nil)
}

func reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Body())
	}
	return b.String()
}

func TestCalculateChunkSize_ShrinkScenario(t *testing.T) {
	// Memory at 95 percent against a target of 90, size 4096, factor 0.5,
	// minimum 512: the next size must be 2048.
	cfg := DefaultConfig()
	cfg.InitialSize = 4096
	cfg.MinSize = 512
	cfg.AdjustFactor = 0.5
	cfg.TargetUsagePercent = 90

	c := NewChunker(cfg, fixedUsage{percent: 95}, nil)
	if got := c.CalculateChunkSize(); got != 2048 {
		t.Errorf("size = %d, want 2048", got)
	}
	// Shrinking is clamped at the minimum.
	c.CalculateChunkSize() // 1024
	c.CalculateChunkSize() // 512
	if got := c.CalculateChunkSize(); got != 512 {
		t.Errorf("size after repeated shrink = %d, want clamp at 512", got)
	}
}

func TestCalculateChunkSize_GrowBelowHalfTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialSize = 1024
	cfg.MaxSize = 4096
	cfg.AdjustFactor = 0.5
	cfg.TargetUsagePercent = 80

	c := NewChunker(cfg, fixedUsage{percent: 30}, nil)
	if got := c.CalculateChunkSize(); got != 2048 {
		t.Errorf("size = %d, want 2048", got)
	}
	c.CalculateChunkSize() // 4096
	if got := c.CalculateChunkSize(); got != 4096 {
		t.Errorf("size after repeated growth = %d, want clamp at 4096", got)
	}
}

func TestCalculateChunkSize_SteadyInBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialSize = 1024
	cfg.TargetUsagePercent = 80

	c := NewChunker(cfg, fixedUsage{percent: 60}, nil)
	for i := 0; i < 3; i++ {
		if got := c.CalculateChunkSize(); got != 1024 {
			t.Errorf("size = %d, want unchanged 1024", got)
		}
	}
}

func TestChunk_ShortContentSingleChunk(t *testing.T) {
	c := steadyChunker(1024, 128)

	chunks := c.Chunk("short content\n")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Content != "short content\n" || chunks[0].Overlap != 0 {
		t.Errorf("unexpected chunk: %+v", chunks[0])
	}
}

func TestChunk_EmptyInput(t *testing.T) {
	c := steadyChunker(64, 8)

	chunks := c.Chunk("")
	if len(chunks) != 1 || chunks[0].Content != "" {
		t.Fatalf("empty input should yield exactly one empty chunk, got %+v", chunks)
	}
}

func TestChunk_BoundariesNeverInsideLine(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "line %03d with a reasonable amount of text on it\n", i)
	}
	content := b.String()

	c := steadyChunker(256, 32)
	chunks := c.Chunk(content)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Content, "\n") {
			t.Errorf("chunk %d boundary falls inside a line", i)
		}
	}
}

func TestChunk_ReconstructionProperty(t *testing.T) {
	inputs := map[string]string{
		"empty":       "",
		"single line": "just one line without newline",
		"one newline": "\n",
		"large": func() string {
			var b strings.Builder
			for i := 0; i < 5000; i++ {
				fmt.Fprintf(&b, "row %d: some payload text\n", i)
			}
			return b.String()
		}(),
		"no trailing newline": "alpha\nbeta\ngamma",
	}

	for name, content := range inputs {
		t.Run(name, func(t *testing.T) {
			c := steadyChunker(128, 16)
			chunks := c.Chunk(content)

			if got := reconstruct(chunks); got != content {
				t.Errorf("reconstruction mismatch: got %d bytes, want %d", len(got), len(content))
			}
			for i := 1; i < len(chunks); i++ {
				prev, cur := chunks[i-1], chunks[i]
				if cur.Overlap > len(prev.Content) {
					t.Errorf("chunk %d overlap %d exceeds previous length", i, cur.Overlap)
				}
				if !strings.HasSuffix(prev.Content, cur.Content[:cur.Overlap]) {
					t.Errorf("chunk %d overlap prefix does not match previous tail", i)
				}
			}
		})
	}
}

func TestStream_MatchesBatchSemantics(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "streamed line %d\n", i)
	}
	content := b.String()

	c := steadyChunker(512, 64)

	var chunks []Chunk
	err := c.Stream(context.Background(), strings.NewReader(content), func(ch Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if got := reconstruct(chunks); got != content {
		t.Errorf("stream reconstruction mismatch: got %d bytes, want %d", len(got), len(content))
	}
	for i, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Content, "\n") {
			t.Errorf("stream chunk %d boundary falls inside a line", i)
		}
	}
}

func TestStream_EmptyInput(t *testing.T) {
	c := steadyChunker(64, 8)

	var chunks []Chunk
	err := c.Stream(context.Background(), strings.NewReader(""), func(ch Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "" {
		t.Fatalf("empty stream should yield exactly one empty chunk, got %+v", chunks)
	}
}

func TestStream_EmitErrorStops(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}

	c := steadyChunker(128, 16)
	wantErr := fmt.Errorf("sink full")

	calls := 0
	err := c.Stream(context.Background(), strings.NewReader(b.String()), func(Chunk) error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("emit calls = %d, want 1", calls)
	}
}

func TestStream_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := steadyChunker(64, 8)
	err := c.Stream(ctx, strings.NewReader("content\n"), func(Chunk) error { return nil })
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
