// SPDX-License-Identifier: MIT

// Package capture owns the audio capture session: adaptive chunk
// materialization, duration/size watchdogs and memory-driven eviction.
package capture

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/internal/classify"
	"github.com/voxpipe/voxpipe/internal/memory"
	"github.com/voxpipe/voxpipe/internal/types"
)

// Platform identifies the host class; it scales the device slice interval.
type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
)

// Slice intervals by platform. Desktop favors responsiveness, mobile
// favors fewer wakeups.
const (
	desktopSliceInterval = 1 * time.Second
	mobileSliceInterval  = 3 * time.Second
)

// Capabilities describes what the probed device and encoder support.
type Capabilities struct {
	MimeType   string
	SampleRate int
	Platform   Platform
}

// CapabilityProvider probes device/codec support. The pipeline never
// touches platform APIs directly; tests plug a deterministic provider.
type CapabilityProvider interface {
	Probe(ctx context.Context) (Capabilities, error)
}

// Slice is one bounded unit of captured audio handed over by the device.
type Slice struct {
	Data     []byte
	Duration time.Duration
}

// Device abstracts the capture hardware. A device is exclusively owned by
// one session; Stop must release all underlying tracks and is idempotent.
// The slice channel is closed when the device stops.
type Device interface {
	Start(ctx context.Context, sliceInterval time.Duration) (<-chan Slice, error)
	Pause() error
	Resume() error
	Stop() error
}

// ChunkMetadata describes one materialized chunk. Immutable once created;
// indices are strictly increasing with no gaps within a session.
type ChunkMetadata struct {
	ID          string
	Index       int
	Timestamp   time.Time
	Duration    time.Duration
	Size        int64
	StartOffset int64
	EndOffset   int64
}

// Chunk pairs metadata with the captured bytes.
type Chunk struct {
	Meta ChunkMetadata
	Data []byte
}

// Summary reports aggregate metrics when a recording completes.
type Summary struct {
	Duration          time.Duration
	Size              int64
	ChunkCount        int
	ProjectedFullSize int64
	ForceStopped      bool
}

// SessionInfo is a read-only snapshot of the session record.
type SessionInfo struct {
	ID            string
	State         types.RecordingState
	StartedAt     time.Time
	TotalDuration time.Duration
	TotalSize     int64
	Chunks        []ChunkMetadata
	Memory        memory.Status
}

// EventListener receives session events. Implementations must not block;
// events are delivered from the session's own goroutines.
type EventListener interface {
	OnChunk(chunk Chunk)
	OnMemoryWarning(st memory.Status)
	OnDurationWarning(current, max time.Duration)
	OnSizeWarning(current, max int64)
	OnComplete(s Summary)
	OnError(err *classify.DetailedError)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) OnChunk(Chunk)                              {}
func (NopListener) OnMemoryWarning(memory.Status)              {}
func (NopListener) OnDurationWarning(time.Duration, time.Duration) {}
func (NopListener) OnSizeWarning(int64, int64)                 {}
func (NopListener) OnComplete(Summary)                         {}
func (NopListener) OnError(*classify.DetailedError)            {}

// Config bounds a capture session.
type Config struct {
	// ChunkInterval is the nominal materialization cadence.
	ChunkInterval time.Duration
	// MinChunkInterval is the floor applied under critical pressure.
	MinChunkInterval time.Duration
	// MaxChunkBytes bounds buffered audio before an out-of-band flush.
	MaxChunkBytes int64
	// MaxDuration is the nominal recording duration ceiling.
	MaxDuration time.Duration
	// MaxBytes is the nominal recording size ceiling.
	MaxBytes int64
	// WarnFraction of a scaled limit at which a warning fires.
	WarnFraction float64
	// EnableChunking materializes periodic chunks; a single final chunk
	// is produced on stop when disabled.
	EnableChunking bool
	// AdaptiveChunking lets memory pressure shorten the cadence.
	AdaptiveChunking bool
}

// Retention windows for delivered chunks under pressure.
const (
	retainUnderLow      = 2
	retainUnderCritical = 1
)
