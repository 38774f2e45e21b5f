// SPDX-License-Identifier: MIT

// Package upload implements the resumable, retryable chunked-upload
// orchestrator for captured audio blobs.
package upload

import (
	"time"

	"github.com/voxpipe/voxpipe/internal/classify"
)

// Config controls a single upload run.
type Config struct {
	// Endpoint is the base upload URL; chunked uploads append /chunk,
	// /finalize and /cleanup.
	Endpoint string
	// ChunkSize is the byte size of each upload chunk.
	ChunkSize int64
	// ChunkThreshold below which the blob is sent single-shot.
	ChunkThreshold int64
	// MaxBlobBytes is the absolute blob size ceiling.
	MaxBlobBytes int64
	// MaxRetries bounds attempts per chunk.
	MaxRetries int
	// Chunked toggles the chunked protocol; single-shot when false.
	Chunked bool
	// RequestTimeout applies per request.
	RequestTimeout time.Duration
	// ProbeTimeout applies to the reachability probe.
	ProbeTimeout time.Duration
	// Metadata is flattened into the multipart form on every request.
	Metadata map[string]string
	// Filename is the form filename for the audio part.
	Filename string
}

// MinChunkSize is the floor applied when manual retries halve the chunk size.
const MinChunkSize int64 = 1 << 20 // 1 MiB

// Range is one contiguous byte range of the blob, identified by its index.
type Range struct {
	Index int
	Start int64
	End   int64 // exclusive
}

// Progress is pushed to the listener on every transfer tick.
type Progress struct {
	UploadedBytes    int64
	TotalBytes       int64
	Percent          float64
	SpeedBytesPerSec float64
	RemainingTime    time.Duration
	ChunkIndex       int
	TotalChunks      int
}

// Result is the terminal outcome of a successful upload.
type Result struct {
	SessionID string
	JobID     string
	Message   string
}

// RetryOptions alters the stored session config before a manual re-drive.
type RetryOptions struct {
	// SmallerChunks halves the chunk size, floored at MinChunkSize.
	SmallerChunks bool
	// WithoutChunks disables chunking entirely.
	WithoutChunks bool
}

// Listener receives orchestrator events. All methods are invoked from the
// goroutine running the upload; implementations must not block.
type Listener interface {
	OnProgress(p Progress)
	OnChunkComplete(index, totalChunks int)
	OnError(err *classify.DetailedError)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) OnProgress(Progress)          {}
func (NopListener) OnChunkComplete(int, int)     {}
func (NopListener) OnError(*classify.DetailedError) {}

// sessionState tracks where a session is in its lifecycle.
type sessionState string

const (
	sessionActive    sessionState = "active"
	sessionSucceeded sessionState = "succeeded"
	sessionFailed    sessionState = "failed"
	sessionCancelled sessionState = "cancelled"
)

// Partition splits size bytes into ceil(size/chunkSize) ranges. The union
// of ranges covers exactly [0,size) with no gap or overlap; the last range
// may be shorter.
func Partition(size, chunkSize int64) []Range {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	n := int((size + chunkSize - 1) / chunkSize)
	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		ranges = append(ranges, Range{Index: i, Start: start, End: end})
	}
	return ranges
}
