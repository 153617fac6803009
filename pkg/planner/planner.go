// Package planner decides how a file is split into chunks for transfer.
package planner

import (
	"fmt"

	"lanxfer/pkg/types"
)

// Plan returns the chunk layout for a file of size bytes. Files up to
// splitThreshold travel as one chunk (an empty file yields one zero-length
// chunk). Larger files get min(maxThreads, ceil(size/splitThreshold))
// contiguous chunks of near-equal length; the last one absorbs the remainder.
func Plan(size, splitThreshold int64, maxThreads int) ([]types.ChunkPlan, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative file size: %d", size)
	}
	if splitThreshold <= 0 {
		return nil, fmt.Errorf("split threshold must be positive, got %d", splitThreshold)
	}
	if maxThreads < 1 {
		return nil, fmt.Errorf("max threads must be at least 1, got %d", maxThreads)
	}

	if size <= splitThreshold {
		return []types.ChunkPlan{{Index: 0, Range: types.ByteRange{Offset: 0, Length: size}}}, nil
	}

	count := (size + splitThreshold - 1) / splitThreshold
	if count > int64(maxThreads) {
		count = int64(maxThreads)
	}

	base := size / count
	chunks := make([]types.ChunkPlan, count)
	var offset int64
	for i := range chunks {
		length := base
		if i == len(chunks)-1 {
			length = size - offset
		}
		chunks[i] = types.ChunkPlan{Index: i, Range: types.ByteRange{Offset: offset, Length: length}}
		offset += length
	}
	return chunks, nil
}

// Validate checks that chunks cover [0, size) contiguously without overlap,
// with indexes 0..n-1 in order. The receive side uses it on offered plans.
func Validate(chunks []types.ChunkPlan, size int64, maxChunks int) error {
	if len(chunks) == 0 {
		return fmt.Errorf("empty chunk plan")
	}
	if maxChunks > 0 && len(chunks) > maxChunks {
		return fmt.Errorf("chunk plan has %d chunks, limit is %d", len(chunks), maxChunks)
	}

	var next int64
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Range.Offset != next {
			return fmt.Errorf("chunk %d starts at %d, expected %d", i, c.Range.Offset, next)
		}
		if c.Range.Length < 0 {
			return fmt.Errorf("chunk %d has negative length", i)
		}
		next = c.Range.End()
	}
	if next != size {
		return fmt.Errorf("chunk plan covers %d bytes, file has %d", next, size)
	}
	return nil
}
