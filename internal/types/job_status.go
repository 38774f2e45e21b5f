// SPDX-License-Identifier: MIT

// Package types provides type-safe enumerations shared across voxpipe.
//
// This package centralizes typed constants and state types to prevent
// string-based bugs and enable exhaustive switch statements.
package types

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the server-side state of a transcription job.
type JobStatus string

// Job status constants define all states the job service reports.
const (
	// JobStatusPending indicates the job is queued but not yet started.
	JobStatusPending JobStatus = "pending"

	// JobStatusProcessing indicates the job is currently being transcribed.
	JobStatusProcessing JobStatus = "processing"

	// JobStatusCompleted indicates the job finished with a transcript.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job terminated with an error.
	JobStatusFailed JobStatus = "failed"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks whether the job status is one of the defined constants.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the job status represents a final state.
//
// Terminal states are Completed and Failed; a job in a terminal state
// will not transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this status can transition to the target.
//
// Valid transitions:
//   - Pending → Processing, Completed, Failed
//   - Processing → Completed, Failed
//   - Terminal states cannot transition
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case JobStatusPending:
		return target == JobStatusProcessing || target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusProcessing:
		return target == JobStatusCompleted || target == JobStatusFailed
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for JobStatus.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := JobStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid job status: %q", str)
	}

	*s = status
	return nil
}

// ParseJobStatus parses a string into a JobStatus, returning an error if invalid.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid job status: %q (valid: pending, processing, completed, failed)", s)
	}
	return status, nil
}

// AllJobStatuses returns all defined job statuses.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPending,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
	}
}
