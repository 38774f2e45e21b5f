// SPDX-License-Identifier: MIT
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxpipe/voxpipe/internal/classify"
	"github.com/voxpipe/voxpipe/internal/log"
	"github.com/voxpipe/voxpipe/internal/metrics"
	"github.com/voxpipe/voxpipe/internal/types"
)

const (
	// DefaultPollInterval is the cadence between status polls.
	DefaultPollInterval = 3 * time.Second
	// DefaultMaxAttempts caps the polling loop at roughly three minutes.
	DefaultMaxAttempts = 60
)

// Tracker polls a job until it reaches a terminal status or the attempt
// cap. At most one loop runs per tracker; starting a new one tears down
// the previous loop first.
type Tracker struct {
	fetcher      Fetcher
	interval     time.Duration
	maxAttempts  int
	onTransition TransitionFunc
	logger       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.interval = d }
}

// WithMaxAttempts overrides the attempt cap.
func WithMaxAttempts(n int) TrackerOption {
	return func(t *Tracker) { t.maxAttempts = n }
}

// WithTransitions installs a status-transition observer.
func WithTransitions(fn TransitionFunc) TrackerOption {
	return func(t *Tracker) { t.onTransition = fn }
}

// NewTracker builds a tracker over the given fetcher.
func NewTracker(fetcher Fetcher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		fetcher:     fetcher,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      log.WithComponent("jobs"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PollOnce fetches a single snapshot and validates it against the wire
// contract: a status must be present, inside the closed set, and a
// completed job must carry transcript text.
func (t *Tracker) PollOnce(ctx context.Context, jobID string) (Job, error) {
	job, err := t.fetcher.Fetch(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status == "" {
		return Job{}, classify.Malformed("job poll", fmt.Sprintf("job %s payload has no status field", jobID))
	}
	if !job.Status.IsValid() {
		return Job{}, classify.Malformed("job poll", fmt.Sprintf("job %s reported unknown status %q", jobID, job.Status))
	}
	if job.Status == types.JobStatusCompleted && job.TranscriptText == "" {
		return Job{}, classify.Malformed("job poll", fmt.Sprintf("job %s completed without transcript text", jobID))
	}
	metrics.RecordJobPoll(job.Status.String())
	return job, nil
}

// Track polls until a terminal status, the attempt cap, or cancellation.
// An immediate poll fires before the interval kicks in. Transient poll
// failures are logged and retried on the next tick; only an explicit
// failed status or the attempt cap ends the loop without completion.
func (t *Tracker) Track(ctx context.Context, jobID string) (Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		// A newer loop may have registered its own cancel already.
		if t.gen == gen {
			t.cancel = nil
		}
		t.mu.Unlock()
	}()

	logger := t.logger.With().Str("job_id", jobID).Logger()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var lastStatus types.JobStatus
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		job, err := t.PollOnce(runCtx, jobID)
		switch {
		case err != nil && runCtx.Err() != nil:
			return Outcome{Attempts: attempt}, classify.Cancelled("job poll")
		case err != nil:
			logger.Warn().Err(err).Int("attempt", attempt).Msg("job poll failed, will retry on next tick")
		default:
			if job.Status != lastStatus {
				lastStatus = job.Status
				logger.Info().Str("status", job.Status.String()).Int("attempt", attempt).Msg("job status changed")
				if t.onTransition != nil {
					t.onTransition(job)
				}
			}
			if job.Status.IsTerminal() {
				return t.finish(job, attempt), nil
			}
		}

		if attempt == t.maxAttempts {
			break
		}
		select {
		case <-runCtx.Done():
			return Outcome{Attempts: attempt}, classify.Cancelled("job poll")
		case <-ticker.C:
		}
	}

	metrics.RecordJobOutcome("timeout")
	logger.Warn().Int("attempts", t.maxAttempts).Msg("job polling timed out without a terminal status")
	return Outcome{
		TimedOut: true,
		Attempts: t.maxAttempts,
		Message:  "transcription is taking longer than expected; the job may still finish on the server",
	}, nil
}

// Stop cancels the active polling loop, if any. Used when the caller
// starts a new recording or navigates away.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) finish(job Job, attempt int) Outcome {
	out := Outcome{Job: job, Attempts: attempt}
	switch {
	case job.Status == types.JobStatusCompleted:
		metrics.RecordJobOutcome("completed")
		out.Message = "transcription completed"
	case job.ErrorCode == BudgetExceededCode:
		metrics.RecordJobOutcome("budget_exceeded")
		out.Message = "the transcription budget for this account is exhausted; no further audio can be processed until the limit is raised"
	default:
		metrics.RecordJobOutcome("failed")
		out.Message = fmt.Sprintf("transcription failed (code %s)", job.ErrorCode)
		if job.ErrorCode == "" {
			out.Message = "transcription failed"
		}
	}
	return out
}
