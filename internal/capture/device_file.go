// SPDX-License-Identifier: MIT
package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StaticCapabilityProvider reports fixed capabilities. Useful for file
// playback and tests where no platform probe exists.
type StaticCapabilityProvider struct {
	Caps Capabilities
}

func (p StaticCapabilityProvider) Probe(context.Context) (Capabilities, error) {
	if p.Caps.MimeType == "" {
		return Capabilities{}, fmt.Errorf("no supported audio encoder")
	}
	return p.Caps, nil
}

// FileDevice replays raw PCM from a file as if it were live capture,
// emitting one slice per interval sized from the stream byte rate.
type FileDevice struct {
	path     string
	byteRate int

	mu     sync.Mutex
	file   *os.File
	paused bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileDevice replays path at byteRate bytes per second.
func NewFileDevice(path string, byteRate int) *FileDevice {
	return &FileDevice{path: path, byteRate: byteRate}
}

func (d *FileDevice) Start(ctx context.Context, sliceInterval time.Duration) (<-chan Slice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return nil, fmt.Errorf("device already started")
	}
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open capture source: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.file = f
	d.cancel = cancel
	d.done = make(chan struct{})

	sliceBytes := int(float64(d.byteRate) * sliceInterval.Seconds())
	if sliceBytes < 1 {
		sliceBytes = 1
	}
	out := make(chan Slice)
	go d.replay(runCtx, f, out, sliceBytes, sliceInterval)
	return out, nil
}

func (d *FileDevice) replay(ctx context.Context, f *os.File, out chan<- Slice, sliceBytes int, interval time.Duration) {
	defer close(out)
	defer close(d.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		paused := d.paused
		d.mu.Unlock()
		if paused {
			continue
		}
		buf := make([]byte, sliceBytes)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			dur := time.Duration(float64(n) / float64(d.byteRate) * float64(time.Second))
			select {
			case out <- Slice{Data: buf[:n], Duration: dur}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *FileDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

func (d *FileDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	return nil
}

// Stop releases the source file. Idempotent.
func (d *FileDevice) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	f := d.file
	d.cancel = nil
	d.file = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return f.Close()
}
