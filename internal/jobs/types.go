// SPDX-License-Identifier: MIT

// Package jobs tracks asynchronous transcription jobs: a polling client
// for the job-status endpoint and a bounded tracking loop that drives the
// caller through the job lifecycle.
package jobs

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/internal/types"
)

// BudgetExceededCode is the server error code for a cost-limit rejection.
// It is surfaced with its own message rather than the generic failure one.
const BudgetExceededCode = "BUDGET_EXCEEDED"

// Job is a read-only polled snapshot of a transcription job. The job
// service owns the record; status transitions are monotonic and never
// leave a terminal state.
type Job struct {
	ID             string          `json:"id"`
	Status         types.JobStatus `json:"status"`
	TranscriptText string          `json:"transcriptText,omitempty"`
	Cost           float64         `json:"cost,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	RetryCount     int             `json:"retryCount,omitempty"`
	CreatedAt      time.Time       `json:"createdAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt,omitempty"`
}

// Outcome is the terminal result of a tracking loop. Exactly one of three
// shapes occurs: a completed job, a failed job, or a client-side timeout
// after the attempt cap with no terminal status from the server.
type Outcome struct {
	Job      Job
	TimedOut bool
	Attempts int
	Message  string
}

// Terminal reports whether the outcome carries a server-terminal status.
func (o Outcome) Terminal() bool {
	return !o.TimedOut && o.Job.Status.IsTerminal()
}

// Fetcher retrieves one job snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, jobID string) (Job, error)
}

// TransitionFunc observes caller-visible status transitions, fired once
// per status change in server order.
type TransitionFunc func(job Job)
