// SPDX-License-Identifier: MIT
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voxpipe/voxpipe/internal/classify"
	"github.com/voxpipe/voxpipe/internal/memory"
	"github.com/voxpipe/voxpipe/internal/types"
)

type fakeSampler struct {
	mu    sync.Mutex
	used  uint64
	total uint64
}

func (f *fakeSampler) Sample() (uint64, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used, f.total, true
}

func (f *fakeSampler) set(used, total uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = used
	f.total = total
}

type fakeDevice struct {
	mu       sync.Mutex
	ch       chan Slice
	paused   bool
	stops    int
	startErr error
	closing  sync.Once
}

func (d *fakeDevice) Start(_ context.Context, _ time.Duration) (<-chan Slice, error) {
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ch = make(chan Slice, 64)
	return d.ch, nil
}

func (d *fakeDevice) emit(data []byte, dur time.Duration) {
	d.ch <- Slice{Data: data, Duration: dur}
}

func (d *fakeDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

func (d *fakeDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	if d.ch != nil {
		d.closing.Do(func() { close(d.ch) })
	}
	return nil
}

func (d *fakeDevice) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

type captureRecorder struct {
	mu        sync.Mutex
	chunks    []Chunk
	memWarns  []memory.Status
	durWarns  int
	sizeWarns int
	errs      []*classify.DetailedError
	complete  chan Summary
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{complete: make(chan Summary, 1)}
}

func (r *captureRecorder) OnChunk(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *captureRecorder) OnMemoryWarning(st memory.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memWarns = append(r.memWarns, st)
}

func (r *captureRecorder) OnDurationWarning(time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durWarns++
}

func (r *captureRecorder) OnSizeWarning(int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizeWarns++
}

func (r *captureRecorder) OnComplete(s Summary) {
	r.complete <- s
}

func (r *captureRecorder) OnError(err *classify.DetailedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *captureRecorder) chunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *captureRecorder) chunkList() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func testCaptureConfig() Config {
	return Config{
		ChunkInterval:    time.Hour,
		MinChunkInterval: time.Millisecond,
		MaxChunkBytes:    64,
		MaxDuration:      time.Hour,
		MaxBytes:         1 << 30,
		WarnFraction:     0.8,
		EnableChunking:   true,
		AdaptiveChunking: true,
	}
}

func newTestSession(t *testing.T, cfg Config, sampler *fakeSampler) (*Session, *fakeDevice, *captureRecorder) {
	t.Helper()
	if sampler == nil {
		sampler = &fakeSampler{used: 10 << 20, total: 1 << 30}
	}
	mon := memory.NewMonitor(memory.WithSampler(sampler))
	dev := &fakeDevice{}
	rec := newCaptureRecorder()
	sess := NewSession(cfg, StaticCapabilityProvider{Caps: Capabilities{
		MimeType:   "audio/webm",
		SampleRate: 48000,
		Platform:   PlatformDesktop,
	}}, dev, mon, WithListener(rec), WithWatchdogInterval(5*time.Millisecond))
	_, err := sess.Initialize(context.Background())
	require.NoError(t, err)
	return sess, dev, rec
}

func TestSessionFlushesOnByteThreshold(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess, dev, rec := newTestSession(t, testCaptureConfig(), nil)
	require.NoError(t, sess.Start(context.Background()))

	// Two 40-byte slices cross the 64-byte budget.
	dev.emit(make([]byte, 40), 100*time.Millisecond)
	dev.emit(make([]byte, 40), 100*time.Millisecond)

	require.Eventually(t, func() bool { return rec.chunkCount() >= 1 }, time.Second, 5*time.Millisecond)
	chunk := rec.chunkList()[0]
	assert.Equal(t, 0, chunk.Meta.Index)
	assert.Equal(t, int64(80), chunk.Meta.Size)
	assert.Equal(t, int64(0), chunk.Meta.StartOffset)
	assert.Equal(t, int64(80), chunk.Meta.EndOffset)
	assert.Equal(t, 200*time.Millisecond, chunk.Meta.Duration)
	assert.Len(t, chunk.Data, 80)

	require.NoError(t, sess.Stop())
}

func TestSessionDurationThresholdScalesWithPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testCaptureConfig()
	cfg.ChunkInterval = time.Hour
	cfg.MaxChunkBytes = 1 << 30
	cfg.MaxDuration = 1000 * time.Hour

	t.Run("normal pressure uses the nominal window", func(t *testing.T) {
		sess, dev, rec := newTestSession(t, cfg, nil)
		require.NoError(t, sess.Start(context.Background()))

		// One 40-minute slice stays under the 1-hour window.
		dev.emit(make([]byte, 4), 40*time.Minute)
		require.Eventually(t, func() bool { return sess.Info().TotalSize == 4 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, rec.chunkCount())

		dev.emit(make([]byte, 4), 40*time.Minute)
		require.Eventually(t, func() bool { return rec.chunkCount() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 80*time.Minute, rec.chunkList()[0].Meta.Duration)

		require.NoError(t, sess.Stop())
		<-rec.complete
	})

	t.Run("low pressure halves the window", func(t *testing.T) {
		sampler := &fakeSampler{used: 800 << 20, total: 1 << 30} // ~78%, low
		sess, dev, rec := newTestSession(t, cfg, sampler)
		require.NoError(t, sess.Start(context.Background()))

		// The same 40-minute slice now exceeds the 30-minute window.
		dev.emit(make([]byte, 4), 40*time.Minute)
		require.Eventually(t, func() bool { return rec.chunkCount() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 40*time.Minute, rec.chunkList()[0].Meta.Duration)

		require.NoError(t, sess.Stop())
		<-rec.complete
	})
}

func TestSessionStopFlushesFinalChunk(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess, dev, rec := newTestSession(t, testCaptureConfig(), nil)
	require.NoError(t, sess.Start(context.Background()))

	dev.emit(make([]byte, 40), 100*time.Millisecond)
	dev.emit(make([]byte, 40), 100*time.Millisecond) // chunk 0 (80 bytes)
	dev.emit(make([]byte, 10), 50*time.Millisecond)  // partial, flushed on stop

	require.Eventually(t, func() bool { return rec.chunkCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Stop())

	var summary Summary
	select {
	case summary = <-rec.complete:
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
	assert.Equal(t, int64(90), summary.Size)
	assert.Equal(t, 2, summary.ChunkCount)
	assert.Equal(t, 250*time.Millisecond, summary.Duration)
	assert.False(t, summary.ForceStopped)
	assert.Positive(t, summary.ProjectedFullSize)

	// Aggregate size must equal the sum of chunk sizes.
	info := sess.Info()
	var sum int64
	for _, c := range info.Chunks {
		sum += c.Size
	}
	assert.Equal(t, info.TotalSize, sum)
	assert.Equal(t, types.RecordingStateIdle, info.State)
	assert.Equal(t, 1, dev.stopCount())

	// Later stops are no-ops.
	require.NoError(t, sess.Stop())
	assert.Equal(t, 1, dev.stopCount())
}

func TestSessionPauseFlushesPartialAndResumeContinues(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess, dev, rec := newTestSession(t, testCaptureConfig(), nil)
	require.NoError(t, sess.Start(context.Background()))

	dev.emit(make([]byte, 10), 50*time.Millisecond)
	require.Eventually(t, func() bool { return sess.Info().TotalSize == 10 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Pause())
	require.Equal(t, 1, rec.chunkCount())
	assert.Equal(t, types.RecordingStatePaused, sess.Info().State)

	require.NoError(t, sess.Resume())
	dev.emit(make([]byte, 20), 50*time.Millisecond)
	require.NoError(t, sess.Stop())
	<-rec.complete

	chunks := rec.chunkList()
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Meta.Index)
	assert.Equal(t, 1, chunks[1].Meta.Index)
	assert.Equal(t, chunks[0].Meta.EndOffset, chunks[1].Meta.StartOffset)
}

func TestSessionForceStopsAtDurationLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testCaptureConfig()
	cfg.MaxDuration = 100 * time.Millisecond
	cfg.WarnFraction = 0.5
	sess, dev, rec := newTestSession(t, cfg, nil)
	require.NoError(t, sess.Start(context.Background()))

	dev.emit(make([]byte, 8), 60*time.Millisecond)
	dev.emit(make([]byte, 8), 60*time.Millisecond)

	var summary Summary
	select {
	case summary = <-rec.complete:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop the session")
	}
	assert.True(t, summary.ForceStopped)
	assert.Equal(t, 120*time.Millisecond, summary.Duration)
	rec.mu.Lock()
	warns := rec.durWarns
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, warns, 1)
	assert.Equal(t, types.RecordingStateIdle, sess.Info().State)
}

func TestSessionForceStopsAtSizeLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testCaptureConfig()
	cfg.MaxBytes = 100
	cfg.MaxChunkBytes = 1 << 20
	sess, dev, rec := newTestSession(t, cfg, nil)
	require.NoError(t, sess.Start(context.Background()))

	dev.emit(make([]byte, 60), 10*time.Millisecond)
	dev.emit(make([]byte, 60), 10*time.Millisecond)

	var summary Summary
	select {
	case summary = <-rec.complete:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop the session")
	}
	assert.True(t, summary.ForceStopped)
	assert.Equal(t, int64(120), summary.Size)
}

func TestSessionEvictsDeliveredChunksUnderPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{used: 900 << 20, total: 1 << 30} // ~88%, critical
	cfg := testCaptureConfig()
	cfg.MaxChunkBytes = 16
	sess, dev, rec := newTestSession(t, cfg, sampler)
	require.NoError(t, sess.Start(context.Background()))

	// Critical pressure quarters the chunk byte budget to 4 bytes, so
	// each slice materializes its own chunk.
	for i := 0; i < 3; i++ {
		dev.emit([]byte{1, 2, 3, 4}, 10*time.Millisecond)
	}
	require.Eventually(t, func() bool { return rec.chunkCount() == 3 }, time.Second, 5*time.Millisecond)

	retained := sess.Retained()
	require.Len(t, retained, 1)
	assert.Equal(t, 2, retained[0].Meta.Index)

	// Evicted chunk metadata survives in the session record.
	info := sess.Info()
	assert.Len(t, info.Chunks, 3)

	require.NoError(t, sess.Stop())
	<-rec.complete
}

func TestSessionMemoryWarningOnPressureRise(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{used: 10 << 20, total: 1 << 30}
	sess, dev, rec := newTestSession(t, testCaptureConfig(), sampler)
	require.NoError(t, sess.Start(context.Background()))

	sampler.set(800<<20, 1<<30) // ~78%, low
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.memWarns) >= 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	level := rec.memWarns[0].Level
	rec.mu.Unlock()
	assert.Equal(t, types.PressureLow, level)

	require.NoError(t, sess.Stop())
	<-rec.complete
	_ = dev
}

func TestSessionInitializeFailure(t *testing.T) {
	mon := memory.NewMonitor(memory.WithSampler(&fakeSampler{used: 1, total: 100}))
	sess := NewSession(testCaptureConfig(), StaticCapabilityProvider{}, &fakeDevice{}, mon)

	_, err := sess.Initialize(context.Background())
	require.Error(t, err)
	var derr *classify.DetailedError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, classify.TypeValidationUnsupportedFormat, derr.Type)

	// Start without a successful probe is rejected.
	require.Error(t, sess.Start(context.Background()))
	assert.Equal(t, types.RecordingStateIdle, sess.Info().State)
}

func TestSessionStartReleasesDeviceOnFailure(t *testing.T) {
	mon := memory.NewMonitor(memory.WithSampler(&fakeSampler{used: 1, total: 100}))
	dev := &fakeDevice{startErr: errors.New("mic busy")}
	rec := newCaptureRecorder()
	sess := NewSession(testCaptureConfig(), StaticCapabilityProvider{Caps: Capabilities{
		MimeType: "audio/webm",
		Platform: PlatformMobile,
	}}, dev, mon, WithListener(rec))
	_, err := sess.Initialize(context.Background())
	require.NoError(t, err)

	err = sess.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, dev.stopCount())
	assert.Equal(t, types.RecordingStateError, sess.Info().State)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
}

func TestSessionRejectsDoubleStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess, _, rec := newTestSession(t, testCaptureConfig(), nil)
	require.NoError(t, sess.Start(context.Background()))
	require.Error(t, sess.Start(context.Background()))
	require.NoError(t, sess.Stop())
	<-rec.complete
}

func TestEffectiveChunkBytes(t *testing.T) {
	tests := []struct {
		level types.PressureLevel
		in    int64
		want  int64
	}{
		{types.PressureNormal, 10 << 20, 10 << 20},
		{types.PressureLow, 10 << 20, 5 << 20},
		{types.PressureCritical, 10 << 20, 10 << 20 / 4},
		{types.PressureCritical, 2, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.level, tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveChunkBytes(tt.in, tt.level))
		})
	}
}

func TestEffectiveInterval(t *testing.T) {
	nominal := 5 * time.Second
	min := time.Second
	assert.Equal(t, nominal, effectiveInterval(nominal, min, types.PressureNormal))
	assert.Equal(t, 2500*time.Millisecond, effectiveInterval(nominal, min, types.PressureLow))
	assert.Equal(t, min, effectiveInterval(nominal, min, types.PressureCritical))
	// The floor also applies when halving would undershoot it.
	assert.Equal(t, time.Second, effectiveInterval(1500*time.Millisecond, time.Second, types.PressureLow))
}
