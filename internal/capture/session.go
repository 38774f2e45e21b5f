// SPDX-License-Identifier: MIT
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxpipe/voxpipe/internal/classify"
	"github.com/voxpipe/voxpipe/internal/log"
	"github.com/voxpipe/voxpipe/internal/memory"
	"github.com/voxpipe/voxpipe/internal/metrics"
	"github.com/voxpipe/voxpipe/internal/types"
)

const defaultWatchdogInterval = time.Second

// Session drives one recording from initialization through completion.
// It owns its Device exclusively and releases it on every exit path.
type Session struct {
	id       string
	cfg      Config
	provider CapabilityProvider
	device   Device
	monitor  *memory.Monitor
	listener EventListener
	logger   zerolog.Logger
	clock    func() time.Time

	watchdogInterval time.Duration
	sliceInterval    time.Duration

	mu         sync.Mutex
	state      types.RecordingState
	caps       Capabilities
	startedAt  time.Time
	buffer     []byte
	bufDur     time.Duration
	chunks     []ChunkMetadata
	stored     []Chunk
	nextIndex  int
	offset     int64
	totalSize  int64
	totalDur   time.Duration
	durWarned  bool
	sizeWarned bool
	lastLevel  types.PressureLevel
	forced     bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option customizes a Session.
type Option func(*Session)

// WithListener installs an event listener.
func WithListener(l EventListener) Option {
	return func(s *Session) { s.listener = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.clock = now }
}

// WithWatchdogInterval overrides the 1 Hz limit watchdog cadence.
func WithWatchdogInterval(d time.Duration) Option {
	return func(s *Session) { s.watchdogInterval = d }
}

// NewSession builds a session around an exclusively owned device.
func NewSession(cfg Config, provider CapabilityProvider, device Device, monitor *memory.Monitor, opts ...Option) *Session {
	s := &Session{
		id:               uuid.NewString(),
		cfg:              cfg,
		provider:         provider,
		device:           device,
		monitor:          monitor,
		listener:         NopListener{},
		clock:            time.Now,
		watchdogInterval: defaultWatchdogInterval,
		state:            types.RecordingStateIdle,
		lastLevel:        types.PressureNormal,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent("capture").With().Str("session_id", s.id).Logger()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Initialize probes device and encoder support. It must succeed before
// Start; a failed probe leaves the session idle so it can be retried.
func (s *Session) Initialize(ctx context.Context) (Capabilities, error) {
	caps, err := s.provider.Probe(ctx)
	if err != nil {
		derr := classify.Validation(classify.TypeValidationUnsupportedFormat,
			fmt.Sprintf("audio capture is not supported on this device: %v", err))
		s.logger.Error().Err(err).Msg("capability probe failed")
		return Capabilities{}, derr
	}
	s.mu.Lock()
	s.caps = caps
	if s.sliceInterval == 0 {
		s.sliceInterval = sliceIntervalFor(caps.Platform)
	}
	s.mu.Unlock()
	s.logger.Info().
		Str("mime_type", caps.MimeType).
		Int("sample_rate", caps.SampleRate).
		Str("platform", string(caps.Platform)).
		Msg("capture capabilities probed")
	return caps, nil
}

// Start begins capturing. The device is released again if it cannot be
// started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.caps.MimeType == "" {
		s.mu.Unlock()
		return fmt.Errorf("session %s: not initialized", s.id)
	}
	if !s.state.CanTransitionTo(types.RecordingStateInitializing) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: cannot start from state %s", s.id, state)
	}
	s.state = types.RecordingStateInitializing
	interval := s.sliceInterval
	s.mu.Unlock()

	slices, err := s.device.Start(ctx, interval)
	if err != nil {
		_ = s.device.Stop()
		s.mu.Lock()
		s.state = types.RecordingStateError
		s.mu.Unlock()
		derr := classify.Validation(classify.TypeValidationUnsupportedFormat,
			fmt.Sprintf("failed to start audio capture: %v", err))
		s.listener.OnError(derr)
		return derr
	}

	s.mu.Lock()
	s.state = types.RecordingStateRecording
	s.startedAt = s.clock()
	s.mu.Unlock()
	s.logger.Info().Dur("slice_interval", interval).Msg("recording started")

	s.wg.Add(2)
	go s.consume(slices)
	go s.watchdog()
	if s.cfg.EnableChunking {
		s.wg.Add(1)
		go s.chunkTimer()
	}
	return nil
}

// Pause flushes the partial chunk and halts capture. Resume continues
// into a fresh chunk.
func (s *Session) Pause() error {
	s.mu.Lock()
	if !s.state.CanTransitionTo(types.RecordingStatePaused) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: cannot pause from state %s", s.id, state)
	}
	if s.cfg.EnableChunking {
		s.flushLocked(s.clock())
	}
	s.state = types.RecordingStatePaused
	s.mu.Unlock()
	if err := s.device.Pause(); err != nil {
		return fmt.Errorf("pause device: %w", err)
	}
	s.logger.Info().Msg("recording paused")
	return nil
}

// Resume restarts capture after a pause.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != types.RecordingStatePaused {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: cannot resume from state %s", s.id, state)
	}
	s.state = types.RecordingStateRecording
	s.mu.Unlock()
	if err := s.device.Resume(); err != nil {
		return fmt.Errorf("resume device: %w", err)
	}
	s.logger.Info().Msg("recording resumed")
	return nil
}

// Stop ends the recording, flushes the final chunk and reports a
// Summary. Safe to call more than once; later calls are no-ops.
func (s *Session) Stop() error {
	return s.stop(false)
}

func (s *Session) stop(forced bool) error {
	var err error
	s.stopOnce.Do(func() { err = s.doStop(forced) })
	return err
}

func (s *Session) doStop(forced bool) error {
	s.mu.Lock()
	if !s.state.CanTransitionTo(types.RecordingStateStopping) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: cannot stop from state %s", s.id, state)
	}
	s.state = types.RecordingStateStopping
	s.forced = forced
	s.mu.Unlock()

	close(s.done)
	devErr := s.device.Stop()
	s.wg.Wait()

	s.mu.Lock()
	s.flushLocked(s.clock())
	summary := Summary{
		Duration:     s.totalDur,
		Size:         s.totalSize,
		ChunkCount:   len(s.chunks),
		ForceStopped: s.forced,
	}
	if s.totalDur > 0 {
		summary.ProjectedFullSize = int64(float64(s.totalSize) / s.totalDur.Seconds() * s.cfg.MaxDuration.Seconds())
	}
	s.state = types.RecordingStateIdle
	s.mu.Unlock()

	s.logger.Info().
		Dur("duration", summary.Duration).
		Int64("size", summary.Size).
		Int("chunks", summary.ChunkCount).
		Bool("forced", summary.ForceStopped).
		Msg("recording completed")
	s.listener.OnComplete(summary)
	if devErr != nil {
		return fmt.Errorf("stop device: %w", devErr)
	}
	return nil
}

// Info returns a snapshot of the session record.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := make([]ChunkMetadata, len(s.chunks))
	copy(chunks, s.chunks)
	return SessionInfo{
		ID:            s.id,
		State:         s.state,
		StartedAt:     s.startedAt,
		TotalDuration: s.totalDur + s.bufDur,
		TotalSize:     s.totalSize + int64(len(s.buffer)),
		Chunks:        chunks,
		Memory:        s.monitor.Status(),
	}
}

// Retained returns the delivered chunks still resident in memory.
func (s *Session) Retained() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.stored))
	copy(out, s.stored)
	return out
}

// consume drains device slices into the chunk buffer and triggers an
// out-of-band flush when the pressure-scaled byte or duration threshold
// is exceeded.
func (s *Session) consume(slices <-chan Slice) {
	defer s.wg.Done()
	for slice := range slices {
		s.mu.Lock()
		s.buffer = append(s.buffer, slice.Data...)
		s.bufDur += slice.Duration
		if s.cfg.EnableChunking {
			level := s.pressureLevel()
			byteLimit := EffectiveChunkBytes(s.cfg.MaxChunkBytes, level)
			durLimit := scaledDuration(s.cfg.ChunkInterval, level)
			if int64(len(s.buffer)) >= byteLimit || s.bufDur >= durLimit {
				s.flushLocked(s.clock())
			}
		}
		s.mu.Unlock()
	}
}

// chunkTimer materializes chunks on the adaptive cadence.
func (s *Session) chunkTimer() {
	defer s.wg.Done()
	for {
		interval := s.cfg.ChunkInterval
		if s.cfg.AdaptiveChunking {
			interval = effectiveInterval(s.cfg.ChunkInterval, s.cfg.MinChunkInterval, s.pressureLevel())
		}
		timer := time.NewTimer(interval)
		select {
		case <-s.done:
			timer.Stop()
			return
		case now := <-timer.C:
			s.mu.Lock()
			if s.state == types.RecordingStateRecording {
				s.flushLocked(now)
			}
			s.mu.Unlock()
		}
	}
}

// watchdog enforces the pressure-scaled duration and size ceilings once
// per second. Hitting a ceiling completes the recording normally.
func (s *Session) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.checkLimits() {
				return
			}
		}
	}
}

// checkLimits reports true when a ceiling was hit and a stop was issued.
func (s *Session) checkLimits() bool {
	st := s.monitor.Status()

	s.mu.Lock()
	if st.Level.Severity() > s.lastLevel.Severity() {
		s.mu.Unlock()
		s.logger.Warn().Str("level", st.Level.String()).Float64("percent", st.Percent).Msg("memory pressure rising")
		s.listener.OnMemoryWarning(st)
		s.mu.Lock()
	}
	s.lastLevel = st.Level

	dur := s.totalDur + s.bufDur
	size := s.totalSize + int64(len(s.buffer))
	maxDur := scaledDuration(s.cfg.MaxDuration, st.Level)
	maxSize := scaledBytes(s.cfg.MaxBytes, st.Level)

	warnDur := !s.durWarned && float64(dur) >= s.cfg.WarnFraction*float64(maxDur)
	if warnDur {
		s.durWarned = true
	}
	warnSize := !s.sizeWarned && float64(size) >= s.cfg.WarnFraction*float64(maxSize)
	if warnSize {
		s.sizeWarned = true
	}
	s.mu.Unlock()

	if warnDur {
		s.listener.OnDurationWarning(dur, maxDur)
	}
	if warnSize {
		s.listener.OnSizeWarning(size, maxSize)
	}

	var limit string
	switch {
	case dur >= maxDur:
		limit = "duration"
	case size >= maxSize:
		limit = "size"
	default:
		return false
	}
	metrics.RecordForceStop(limit)
	s.logger.Warn().Str("limit", limit).Msg("recording limit reached, stopping")
	go s.stop(true)
	return true
}

// flushLocked materializes the buffered audio into a chunk, delivers it
// and applies the pressure-based retention policy. Caller holds s.mu.
func (s *Session) flushLocked(now time.Time) {
	if len(s.buffer) == 0 {
		return
	}
	size := int64(len(s.buffer))
	meta := ChunkMetadata{
		ID:          uuid.NewString(),
		Index:       s.nextIndex,
		Timestamp:   now,
		Duration:    s.bufDur,
		Size:        size,
		StartOffset: s.offset,
		EndOffset:   s.offset + size,
	}
	chunk := Chunk{Meta: meta, Data: s.buffer}
	s.buffer = nil
	s.bufDur = 0
	s.nextIndex++
	s.offset += size
	s.totalSize += size
	s.totalDur += meta.Duration
	s.chunks = append(s.chunks, meta)
	s.stored = append(s.stored, chunk)
	s.monitor.AddResident(uint64(size))
	metrics.RecordChunkCaptured(int(size))
	s.listener.OnChunk(chunk)
	s.evictLocked()
}

// evictLocked drops the oldest delivered chunks beyond the retention
// window for the current pressure level. Metadata is kept; only the
// audio bytes are released.
func (s *Session) evictLocked() {
	var keep int
	switch s.pressureLevel() {
	case types.PressureCritical:
		keep = retainUnderCritical
	case types.PressureLow:
		keep = retainUnderLow
	default:
		return
	}
	for len(s.stored) > keep {
		victim := s.stored[0]
		s.stored = append([]Chunk{}, s.stored[1:]...)
		s.monitor.ReleaseResident(uint64(victim.Meta.Size))
		metrics.RecordChunkEvicted()
		s.logger.Debug().Int("index", victim.Meta.Index).Int64("size", victim.Meta.Size).Msg("chunk evicted")
	}
}

func (s *Session) pressureLevel() types.PressureLevel {
	return s.monitor.Status().Level
}
