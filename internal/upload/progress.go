// SPDX-License-Identifier: MIT

package upload

import (
	"sync"
	"time"
)

// progressTracker converts per-request byte counts into caller-visible
// overall progress with speed and remaining-time estimates.
type progressTracker struct {
	o           *Orchestrator
	start       time.Time
	totalBytes  int64
	totalChunks int

	mu        sync.Mutex
	confirmed int64 // bytes of chunks confirmed uploaded
}

func (o *Orchestrator) newProgressTracker(s *session, totalBytes int64, totalChunks int) *progressTracker {
	return &progressTracker{
		o:           o,
		start:       o.now(),
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
	}
}

// confirm adds the size of a completed chunk to the stable baseline.
func (t *progressTracker) confirm(n int64) {
	t.mu.Lock()
	t.confirmed += n
	t.mu.Unlock()
}

// tick reports progress during an in-flight request. loaded includes
// multipart overhead, so it is clamped to the payload cap of the request
// before being added to the confirmed baseline.
func (t *progressTracker) tick(chunkIndex int, loaded, payload int64) {
	if loaded > payload {
		loaded = payload
	}
	t.mu.Lock()
	uploaded := t.confirmed + loaded
	t.mu.Unlock()
	if uploaded > t.totalBytes {
		uploaded = t.totalBytes
	}

	elapsed := t.o.now().Sub(t.start)
	var speed float64
	var remaining time.Duration
	if elapsed > 0 && uploaded > 0 {
		speed = float64(uploaded) / elapsed.Seconds()
		if speed > 0 {
			remaining = time.Duration(float64(t.totalBytes-uploaded) / speed * float64(time.Second))
		}
	}

	pct := 0.0
	if t.totalBytes > 0 {
		pct = float64(uploaded) / float64(t.totalBytes) * 100
	}

	t.o.listener.OnProgress(Progress{
		UploadedBytes:    uploaded,
		TotalBytes:       t.totalBytes,
		Percent:          pct,
		SpeedBytesPerSec: speed,
		RemainingTime:    remaining,
		ChunkIndex:       chunkIndex,
		TotalChunks:      t.totalChunks,
	})
}
