// Package planner partitions a resource into the byte-range chunks the
// worker pool executes. Ranged sources split at a maximum chunk size with
// the final chunk taking the remainder; pre-segmented sources get one chunk
// per manifest segment; sources without range support collapse to a single
// serial chunk.
package planner

import (
	"errors"
	"fmt"
)

type Status int32

const (
	StatusPending Status = iota
	StatusInFlight
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Chunk is one contiguous byte range (or discrete segment) of a task.
// Exactly one worker owns a chunk while it is in flight.
type Chunk struct {
	Index   int
	Offset  int64
	Length  int64
	URL     string // segment source; empty means the task URL with a Range header
	Status  Status
	Retries int
	LastErr error
}

// End returns the exclusive end offset of the chunk's range.
func (c *Chunk) End() int64 {
	return c.Offset + c.Length
}

var (
	ErrInvalidLength    = errors.New("total length must be positive")
	ErrInvalidChunkSize = errors.New("max chunk size must be positive")
)

// Plan partitions [0, totalLength) into chunks of maxChunkSize, the final
// chunk taking the remainder. totalLength <= maxChunkSize yields exactly
// one chunk.
func Plan(totalLength, maxChunkSize int64) ([]Chunk, error) {
	if totalLength <= 0 {
		return nil, ErrInvalidLength
	}
	if maxChunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	count := totalLength / maxChunkSize
	if totalLength%maxChunkSize != 0 {
		count++
	}
	chunks := make([]Chunk, 0, count)
	var offset int64
	for offset < totalLength {
		length := maxChunkSize
		if remaining := totalLength - offset; remaining < length {
			length = remaining
		}
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Offset: offset,
			Length: length,
		})
		offset += length
	}
	return chunks, nil
}

// Single emits one chunk covering the whole resource, the serial fallback
// when range support is unavailable or undetermined. A negative
// totalLength means the size is unknown.
func Single(totalLength int64) []Chunk {
	return []Chunk{{Index: 0, Offset: 0, Length: totalLength}}
}

// Segment is a manifest-declared piece of a segmented stream.
type Segment struct {
	URL    string
	Length int64
}

// PlanSegments emits one chunk per manifest segment in manifest order,
// offsets running as prefix sums of the declared lengths. Segments are
// atomic; they are never split further.
func PlanSegments(segments []Segment) []Chunk {
	chunks := make([]Chunk, 0, len(segments))
	var offset int64
	for i, seg := range segments {
		chunks = append(chunks, Chunk{
			Index:  i,
			Offset: offset,
			Length: seg.Length,
			URL:    seg.URL,
		})
		offset += seg.Length
	}
	return chunks
}

// Validate checks the cover invariant: chunk lengths positive, ranges
// contiguous from zero, union exactly [0, totalLength).
func Validate(chunks []Chunk, totalLength int64) error {
	var offset int64
	for i := range chunks {
		c := &chunks[i]
		if c.Length <= 0 {
			return fmt.Errorf("chunk %d has non-positive length %d", c.Index, c.Length)
		}
		if c.Offset != offset {
			return fmt.Errorf("chunk %d starts at %d, expected %d", c.Index, c.Offset, offset)
		}
		offset = c.End()
	}
	if offset != totalLength {
		return fmt.Errorf("chunks cover %d bytes, expected %d", offset, totalLength)
	}
	return nil
}

// AlignChunkSize rounds size down to a multiple of block so encrypted
// chunk boundaries stay cipher-block aligned. Sizes at or below one block
// are returned unchanged.
func AlignChunkSize(size, block int64) int64 {
	if block <= 0 || size <= block {
		return size
	}
	return size - size%block
}
