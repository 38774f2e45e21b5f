// SPDX-License-Identifier: MIT

package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxpipe/voxpipe/internal/classify"
	xglog "github.com/voxpipe/voxpipe/internal/log"
	"github.com/voxpipe/voxpipe/internal/metrics"
	"github.com/voxpipe/voxpipe/internal/resilience"
)

// DefaultSessionGrace is how long terminal sessions stay addressable so a
// caller can still issue a manual retry against the same id.
const DefaultSessionGrace = 5 * time.Minute

var errSessionNotFound = errors.New("upload: session not found")

// session is the orchestrator's mutable record of one upload.
type session struct {
	mu sync.Mutex

	id        string
	blob      []byte
	cfg       Config
	createdAt time.Time

	state       sessionState
	totalChunks int
	uploaded    map[int]bool
	failed      map[int]bool
	progress    map[int]int64
	retryCount  int
	lastErr     *classify.DetailedError
	cancel      context.CancelFunc
}

// SessionInfo is a read-only snapshot for callers and tests.
type SessionInfo struct {
	ID          string
	State       string
	TotalChunks int
	Uploaded    []int
	Failed      []int
	RetryCount  int
	CreatedAt   time.Time
}

// Orchestrator drives chunked uploads with bounded retries, cancellation
// and manual re-drives. One orchestrator serves many sequential sessions.
type Orchestrator struct {
	listener Listener
	online   func() bool
	now      func() time.Time
	backoff  func(attempt int) time.Duration
	breaker  *resilience.CircuitBreaker
	version  string
	grace    time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	gcTimers map[string]*time.Timer
	closed   bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithListener attaches an event listener.
func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

// WithOnlineCheck substitutes the connectivity flag provider.
func WithOnlineCheck(fn func() bool) Option {
	return func(o *Orchestrator) { o.online = fn }
}

// WithClock substitutes the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// WithBackoff substitutes the retry backoff schedule, for tests.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = fn }
}

// WithVersion sets the X-Client-Version header value.
func WithVersion(v string) Option {
	return func(o *Orchestrator) { o.version = v }
}

// WithSessionGrace overrides the terminal session retention period.
func WithSessionGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// NewOrchestrator creates an upload orchestrator.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		listener: NopListener{},
		online:   func() bool { return true },
		now:      time.Now,
		backoff:  func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
		breaker:  resilience.NewCircuitBreaker("upload_probe", 3, 30*time.Second),
		version:  "dev",
		grace:    DefaultSessionGrace,
		logger:   xglog.WithComponent("upload"),
		sessions: make(map[string]*session),
		gcTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Upload submits a blob under the given config. It blocks until a terminal
// outcome and returns either a Result or a *classify.DetailedError.
func (o *Orchestrator) Upload(ctx context.Context, blob []byte, cfg Config) (*Result, error) {
	s := &session{
		id:        uuid.NewString(),
		blob:      blob,
		cfg:       cfg,
		createdAt: o.now(),
		state:     sessionActive,
		uploaded:  make(map[int]bool),
		failed:    make(map[int]bool),
		progress:  make(map[int]int64),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, classify.Classify(errors.New("orchestrator closed"), classify.Context{Op: "upload"})
	}
	o.sessions[s.id] = s
	o.mu.Unlock()

	return o.run(ctx, s)
}

// Sessions returns snapshots of every retained session.
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Session returns a snapshot of the identified session.
func (o *Orchestrator) Session(id string) (SessionInfo, bool) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// Cancel aborts the in-flight upload for the identified session. The
// blocked Upload call returns a cancelled error.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Retry re-drives a session after a terminal outcome, optionally with
// altered chunking. Indices already confirmed uploaded are never re-sent.
func (o *Orchestrator) Retry(ctx context.Context, id string, opts RetryOptions) (*Result, error) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if ok {
		if t := o.gcTimers[id]; t != nil {
			t.Stop()
			delete(o.gcTimers, id)
		}
	}
	o.mu.Unlock()
	if !ok {
		return nil, classify.SessionExpired("the upload session is no longer available")
	}

	s.mu.Lock()
	if s.state == sessionActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("upload: session %s is still active", id)
	}
	if opts.SmallerChunks {
		half := s.cfg.ChunkSize / 2
		if half < MinChunkSize {
			half = MinChunkSize
		}
		s.cfg.ChunkSize = half
	}
	if opts.WithoutChunks {
		s.cfg.Chunked = false
	}
	s.retryCount++
	s.state = sessionActive
	s.failed = make(map[int]bool)
	s.lastErr = nil
	s.mu.Unlock()

	return o.run(ctx, s)
}

// Close tears down retention timers. In-flight uploads are not interrupted.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, t := range o.gcTimers {
		t.Stop()
		delete(o.gcTimers, id)
	}
}

// run executes one orchestration pass over the session.
func (o *Orchestrator) run(ctx context.Context, s *session) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	cfg := s.cfg
	retryCount := s.retryCount
	s.mu.Unlock()

	logger := xglog.WithContext(xglog.ContextWithUploadID(runCtx, s.id), o.logger)

	if de := o.preflight(runCtx, s, cfg); de != nil {
		return nil, o.fail(runCtx, s, de)
	}

	client := NewClient(cfg.Endpoint, o.version, cfg.RequestTimeout)

	// Single-shot path: chunking disabled or blob under the threshold.
	if !cfg.Chunked || int64(len(s.blob)) <= cfg.ChunkThreshold {
		res, de := o.runSingle(runCtx, s, client, cfg, retryCount)
		if de != nil {
			return nil, o.fail(runCtx, s, de)
		}
		return o.succeed(s, res), nil
	}

	res, de := o.runChunked(runCtx, s, client, cfg, logger)
	if de != nil {
		return nil, o.fail(runCtx, s, de)
	}
	return o.succeed(s, res), nil
}

// preflight performs the fail-fast checks that must not touch chunk state.
func (o *Orchestrator) preflight(ctx context.Context, s *session, cfg Config) *classify.DetailedError {
	if !o.online() {
		return classify.Classify(nil, classify.Context{Op: "upload", Offline: true})
	}
	if len(s.blob) == 0 {
		return classify.Validation(classify.TypeValidationFileCorrupted, "the recording is empty")
	}
	if cfg.MaxBlobBytes > 0 && int64(len(s.blob)) > cfg.MaxBlobBytes {
		return classify.Validation(classify.TypeValidationTooLarge,
			fmt.Sprintf("the recording exceeds the %d byte limit", cfg.MaxBlobBytes))
	}

	probe := NewClient(cfg.Endpoint, o.version, cfg.ProbeTimeout)
	err := o.breaker.Execute(func() error {
		return probe.Probe(ctx, cfg.ProbeTimeout)
	})
	if err != nil {
		return o.classifyErr(err, "reachability probe")
	}
	return nil
}

func (o *Orchestrator) runSingle(ctx context.Context, s *session, client *Client, cfg Config, retryCount int) (*Result, *classify.DetailedError) {
	tracker := o.newProgressTracker(s, int64(len(s.blob)), 1)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordUploadRetry()
			if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
				return nil, classify.Cancelled("upload")
			}
		}

		start := o.now()
		resp, err := client.UploadSingle(ctx, s.blob, cfg.Filename, cfg.Metadata, retryCount+attempt, func(loaded, total int64) {
			tracker.tick(0, loaded, int64(len(s.blob)))
		})
		if err == nil {
			metrics.RecordChunkUpload("success", o.now().Sub(start).Seconds())
			s.mu.Lock()
			s.uploaded[0] = true
			s.mu.Unlock()
			o.listener.OnChunkComplete(0, 1)
			return &Result{SessionID: s.id, JobID: resp.JobID, Message: resp.Message}, nil
		}

		metrics.RecordChunkUpload("failure", o.now().Sub(start).Seconds())
		lastErr = err
		if de := o.classifyErr(err, "upload"); !de.Retryable {
			return nil, de
		}
	}
	return nil, o.classifyErr(lastErr, "upload")
}

func (o *Orchestrator) runChunked(ctx context.Context, s *session, client *Client, cfg Config, logger zerolog.Logger) (*Result, *classify.DetailedError) {
	ranges := Partition(int64(len(s.blob)), cfg.ChunkSize)

	s.mu.Lock()
	s.totalChunks = len(ranges)
	uploadedBytes := int64(0)
	for _, r := range ranges {
		if s.uploaded[r.Index] {
			uploadedBytes += r.End - r.Start
		}
	}
	s.mu.Unlock()

	tracker := o.newProgressTracker(s, int64(len(s.blob)), len(ranges))
	tracker.confirmed = uploadedBytes

	var lastCause *classify.DetailedError
	failedCount := 0

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, classify.Cancelled("upload")
		}

		s.mu.Lock()
		already := s.uploaded[r.Index]
		s.mu.Unlock()
		if already {
			continue
		}

		de := o.uploadChunkWithRetry(ctx, s, client, cfg, r, tracker)
		if de == nil {
			s.mu.Lock()
			s.uploaded[r.Index] = true
			delete(s.failed, r.Index)
			s.mu.Unlock()
			tracker.confirm(r.End - r.Start)
			o.listener.OnChunkComplete(r.Index, len(ranges))
			continue
		}

		if de.Type == classify.TypeCancelled {
			return nil, de
		}

		// Exhausted retries: a non-retryable or non-server failure aborts
		// the whole upload; a server failure parks the index and moves on.
		if !de.Retryable || de.Category != classify.CategoryServer {
			return nil, de
		}

		logger.Warn().
			Int("chunk", r.Index).
			Str("error_type", string(de.Type)).
			Msg("chunk failed after retries, continuing with remaining chunks")

		s.mu.Lock()
		s.failed[r.Index] = true
		s.lastErr = de
		s.mu.Unlock()
		lastCause = de
		failedCount++
	}

	if failedCount > 0 {
		return nil, classify.ChunkMissing(
			fmt.Sprintf("%d of %d chunks failed to upload", failedCount, len(ranges)), lastCause)
	}

	resp, err := client.Finalize(ctx, s.id, len(ranges), cfg.Metadata)
	if err != nil {
		return nil, o.classifyErr(err, "finalize")
	}
	return &Result{SessionID: s.id, JobID: resp.JobID, Message: resp.Message}, nil
}

func (o *Orchestrator) uploadChunkWithRetry(ctx context.Context, s *session, client *Client, cfg Config, r Range, tracker *progressTracker) *classify.DetailedError {
	chunk := s.blob[r.Start:r.End]

	var lastDe *classify.DetailedError
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordUploadRetry()
			s.mu.Lock()
			s.retryCount++
			s.mu.Unlock()
			if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
				return classify.Cancelled("upload")
			}
		}

		start := o.now()
		err := client.UploadChunk(ctx, s.id, r.Index, tracker.totalChunks, chunk, cfg.Metadata, attempt, func(loaded, total int64) {
			tracker.tick(r.Index, loaded, r.End-r.Start)
		})
		if err == nil {
			metrics.RecordChunkUpload("success", o.now().Sub(start).Seconds())
			return nil
		}
		metrics.RecordChunkUpload("failure", o.now().Sub(start).Seconds())

		lastDe = o.classifyErr(err, "chunk upload")
		if lastDe.Type == classify.TypeCancelled || !lastDe.Retryable {
			return lastDe
		}
	}
	return lastDe
}

// classifyErr maps a transport or HTTP failure into the taxonomy.
func (o *Orchestrator) classifyErr(err error, op string) *classify.DetailedError {
	var de *classify.DetailedError
	if errors.As(err, &de) {
		return de
	}

	cctx := classify.Context{Op: op, Offline: !o.online()}
	var re *requestError
	if errors.As(err, &re) {
		cctx.StatusCode = re.Status
	} else if errors.Is(err, resilience.ErrCircuitOpen) {
		// An open breaker means the endpoint has been failing; surface it
		// the same way as an unavailable server.
		cctx.StatusCode = 503
	}
	out := classify.Classify(err, cctx)
	metrics.RecordUploadError(string(out.Type))
	return out
}

func (o *Orchestrator) fail(ctx context.Context, s *session, de *classify.DetailedError) *classify.DetailedError {
	s.mu.Lock()
	if de.Type == classify.TypeCancelled {
		s.state = sessionCancelled
	} else {
		s.state = sessionFailed
	}
	s.lastErr = de
	uploaded := sortedKeys(s.uploaded)
	cfg := s.cfg
	s.mu.Unlock()

	outcome := "failure"
	if de.Type == classify.TypeCancelled {
		outcome = "cancelled"
	}
	metrics.RecordUploadSession(outcome)

	// Best-effort cleanup notification; failure is logged and ignored.
	if len(uploaded) > 0 && cfg.Chunked {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client := NewClient(cfg.Endpoint, o.version, cfg.RequestTimeout)
		if err := client.Cleanup(cleanupCtx, s.id, uploaded); err != nil {
			o.logger.Debug().Err(err).Str("session", s.id).Msg("cleanup notification failed")
		}
	}

	o.listener.OnError(de)
	o.scheduleGC(s.id)
	return de
}

func (o *Orchestrator) succeed(s *session, res *Result) *Result {
	s.mu.Lock()
	s.state = sessionSucceeded
	s.mu.Unlock()
	metrics.RecordUploadSession("success")
	o.scheduleGC(s.id)
	return res
}

// scheduleGC arranges session removal after the grace period. The timer is
// owned by the orchestrator and stopped by Close or a manual Retry.
func (o *Orchestrator) scheduleGC(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		delete(o.sessions, id)
		return
	}
	if t := o.gcTimers[id]; t != nil {
		t.Stop()
	}
	o.gcTimers[id] = time.AfterFunc(o.grace, func() {
		o.mu.Lock()
		delete(o.sessions, id)
		delete(o.gcTimers, id)
		o.mu.Unlock()
	})
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		State:       string(s.state),
		TotalChunks: s.totalChunks,
		Uploaded:    sortedKeys(s.uploaded),
		Failed:      sortedKeys(s.failed),
		RetryCount:  s.retryCount,
		CreatedAt:   s.createdAt,
	}
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
