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
	"bufio"
	"context"
	"io"
	"strings"
)

// EmitFunc receives chunks from a streaming split. Returning an error stops
// the stream.
type EmitFunc func(Chunk) error

// Stream splits a reader incrementally with the same line-boundary and
// overlap rules as Chunk, without materializing the whole input.
//
// # Description
//
// Lines are accumulated into a bounded buffer; once the buffer reaches the
// current adaptive chunk size, a chunk is flushed and the overlap tail is
// retained as the next chunk's prefix. Any remainder is finalized at
// end-of-input. Empty input yields exactly one empty chunk.
//
// Inputs:
//
//	ctx - Context for cancellation, checked between chunks. Must not be nil.
//	r - Input reader.
//	emit - Callback invoked once per chunk, in order.
//
// Outputs:
//
//	error - Context error, read error, or the first error returned by emit.
func (c *Chunker) Stream(ctx context.Context, r io.Reader, emit EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	br := bufio.NewReader(r)

	var buf strings.Builder
	carry := ""  // overlap tail retained from the previous chunk
	offset := 0  // byte offset of buf's start in the input
	index := 0
	size := c.CalculateChunkSize()
	emitted := false

	flush := func() error {
		content := buf.String()
		ch := Chunk{
			Index:   index,
			Offset:  offset,
			Overlap: len(carry),
			Content: carry + content,
		}
		if err := emit(ch); err != nil {
			return err
		}

		tail := min(c.cfg.Overlap, len(content))
		carry = content[len(content)-tail:]
		offset += len(content)
		index++
		emitted = true
		buf.Reset()

		size = c.CalculateChunkSize()
		return nil
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			buf.WriteString(line)
			// Flush only at a line end so boundaries never split a line.
			if buf.Len() >= size && strings.HasSuffix(line, "\n") {
				if err := ctx.Err(); err != nil {
					return err
				}
				if ferr := flush(); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	// Finalize the remainder, or emit a single empty chunk for empty input.
	if buf.Len() > 0 || !emitted {
		if err := ctx.Err(); err != nil {
			return err
		}
		return flush()
	}
	return nil
}
