// Package manifest holds the collaborator-supplied description of a
// resource: its source URL or segment list, total size, decryption key
// reference and optional content hash. The engine consumes manifests; it
// never negotiates them.
package manifest

import (
	"context"

	"github.com/driftbyte/medley/internal/planner"
)

// Manifest describes one resolved resource. Either URL (a range-capable
// direct source) or Segments (a pre-segmented stream) is set. TotalLength
// is -1 when unknown. KeyRef is the base64 security token for the
// resource's decryption key; empty means the stream is plaintext.
// ContentHash is an optional hex SHA-256 of the finished artifact.
type Manifest struct {
	ResourceID  string
	URL         string
	Segments    []planner.Segment
	TotalLength int64
	KeyRef      string
	ContentHash string
	Quality     string
}

// Segmented reports whether the resource arrives as discrete segments
// rather than a single ranged source.
func (m *Manifest) Segmented() bool {
	return len(m.Segments) > 0
}

// SegmentLengthsKnown reports whether every segment declares its byte
// length, which is what allows fixed-offset concurrent assembly.
func (m *Manifest) SegmentLengthsKnown() bool {
	for _, seg := range m.Segments {
		if seg.Length <= 0 {
			return false
		}
	}
	return len(m.Segments) > 0
}

// Resolver turns a resource identifier and quality preference into a
// Manifest. Implemented by collaborators; the CLI ships an HTTP-backed one.
type Resolver interface {
	Resolve(ctx context.Context, resourceID, quality string) (*Manifest, error)
}
