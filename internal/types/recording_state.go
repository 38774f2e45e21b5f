// SPDX-License-Identifier: MIT

package types

import "fmt"

// RecordingState represents the lifecycle state of a capture session.
type RecordingState string

const (
	RecordingStateIdle         RecordingState = "idle"
	RecordingStateInitializing RecordingState = "initializing"
	RecordingStateRecording    RecordingState = "recording"
	RecordingStatePaused       RecordingState = "paused"
	RecordingStateStopping     RecordingState = "stopping"
	RecordingStateError        RecordingState = "error"
)

// String returns the string representation of the recording state.
func (s RecordingState) String() string {
	return string(s)
}

// IsValid checks whether the recording state is one of the defined constants.
func (s RecordingState) IsValid() bool {
	switch s {
	case RecordingStateIdle, RecordingStateInitializing, RecordingStateRecording,
		RecordingStatePaused, RecordingStateStopping, RecordingStateError:
		return true
	default:
		return false
	}
}

// IsActive reports whether the session currently owns the capture device.
func (s RecordingState) IsActive() bool {
	switch s {
	case RecordingStateRecording, RecordingStatePaused, RecordingStateStopping:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this state can transition to the target.
//
// Valid transitions:
//   - Idle → Initializing
//   - Initializing → Recording, Error, Idle
//   - Recording → Paused, Stopping, Error
//   - Paused → Recording, Stopping, Error
//   - Stopping → Idle, Error
//   - Error → Idle
func (s RecordingState) CanTransitionTo(target RecordingState) bool {
	switch s {
	case RecordingStateIdle:
		return target == RecordingStateInitializing
	case RecordingStateInitializing:
		return target == RecordingStateRecording || target == RecordingStateError || target == RecordingStateIdle
	case RecordingStateRecording:
		return target == RecordingStatePaused || target == RecordingStateStopping || target == RecordingStateError
	case RecordingStatePaused:
		return target == RecordingStateRecording || target == RecordingStateStopping || target == RecordingStateError
	case RecordingStateStopping:
		return target == RecordingStateIdle || target == RecordingStateError
	case RecordingStateError:
		return target == RecordingStateIdle
	default:
		return false
	}
}

// ParseRecordingState parses a string into a RecordingState.
func ParseRecordingState(s string) (RecordingState, error) {
	state := RecordingState(s)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid recording state: %q", s)
	}
	return state, nil
}

// PressureLevel classifies current process memory usage.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureLow      PressureLevel = "low"
	PressureCritical PressureLevel = "critical"
)

// String returns the string representation of the pressure level.
func (p PressureLevel) String() string {
	return string(p)
}

// Severity returns a numeric severity for metrics export: 0 normal, 1 low, 2 critical.
func (p PressureLevel) Severity() int {
	switch p {
	case PressureLow:
		return 1
	case PressureCritical:
		return 2
	default:
		return 0
	}
}
