// SPDX-License-Identifier: MIT

// Package classify maps transport, HTTP and validation failures into a
// closed error taxonomy with retry and recovery metadata.
package classify

import "fmt"

// Type is the closed enumeration of failure types.
type Type string

const (
	TypeNetworkTimeout    Type = "network_timeout"
	TypeNetworkOffline    Type = "network_offline"
	TypeNetworkConnection Type = "network_connection"

	TypeClientInvalidRequest  Type = "client_invalid_request"
	TypeClientUnauthorized    Type = "client_unauthorized"
	TypeClientForbidden       Type = "client_forbidden"
	TypeClientNotFound        Type = "client_not_found"
	TypeClientPayloadTooLarge Type = "client_payload_too_large"

	TypeServerInternal       Type = "server_internal"
	TypeServerUnavailable    Type = "server_unavailable"
	TypeServerGatewayTimeout Type = "server_gateway_timeout"

	TypeValidationFileCorrupted     Type = "validation_file_corrupted"
	TypeValidationTooLarge          Type = "validation_too_large"
	TypeValidationTooLong           Type = "validation_too_long"
	TypeValidationUnsupportedFormat Type = "validation_unsupported_format"

	TypeSessionExpired Type = "session_expired"
	TypeChunkMissing   Type = "chunk_missing"

	TypeCancelled Type = "cancelled"
	TypeUnknown   Type = "unknown"
)

// Category groups failure types for coarse-grained handling.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryClient     Category = "client"
	CategoryServer     Category = "server"
	CategoryValidation Category = "validation"
	CategorySession    Category = "session"
	CategoryUserAction Category = "user_action"
	CategoryUnknown    Category = "unknown"
)

// Action identifies a recovery operation the caller can map back onto the
// orchestrator.
type Action string

const (
	ActionRetry                 Action = "retry"
	ActionRetryWithSmallerChunks Action = "retry_with_smaller_chunks"
	ActionRetryWithoutChunks    Action = "retry_without_chunks"
	ActionCheckConnection       Action = "check_connection"
	ActionRefreshPage           Action = "refresh_page"
	ActionContactSupport        Action = "contact_support"
	ActionTryDifferentFile      Action = "try_different_file"
)

// RecoveryOption is one suggested recovery step; exactly one option in a
// DetailedError's list is marked Primary.
type RecoveryOption struct {
	Action  Action `json:"action"`
	Label   string `json:"label"`
	Primary bool   `json:"primary"`
}

// DetailedError is the immutable classified form of a failure. It is
// produced once per failure and carries everything the presentation layer
// needs to render recovery choices.
type DetailedError struct {
	Type            Type
	Category        Category
	Message         string
	Status          int // HTTP status if the failure came from a response
	Retryable       bool
	AutoRetryable   bool
	ManualRetryable bool
	RecoveryOptions []RecoveryOption
	Err             error // underlying cause, if any
}

// Error implements the error interface.
func (e *DetailedError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *DetailedError) Unwrap() error {
	return e.Err
}

// Primary returns the primary recovery option.
func (e *DetailedError) Primary() RecoveryOption {
	for _, opt := range e.RecoveryOptions {
		if opt.Primary {
			return opt
		}
	}
	return RecoveryOption{}
}
