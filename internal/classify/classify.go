// SPDX-License-Identifier: MIT

package classify

import (
	"context"
	"errors"
	"net"
)

// Context carries the observations available at the failure site.
type Context struct {
	Op         string // operation name for the message, e.g. "chunk upload"
	StatusCode int    // HTTP status, 0 when no response was received
	Offline    bool   // connectivity flag reported by the environment
	TimedOut   bool   // the caller's own elapsed-timeout fired
}

// Classify maps an arbitrary failure into the closed taxonomy. The result
// is a fresh immutable value; rawErr is retained as the unwrap target.
func Classify(rawErr error, cctx Context) *DetailedError {
	if cctx.StatusCode > 0 {
		return fromStatus(rawErr, cctx)
	}
	return fromTransport(rawErr, cctx)
}

func fromStatus(rawErr error, cctx Context) *DetailedError {
	switch cctx.StatusCode {
	case 400:
		return build(TypeClientInvalidRequest, cctx, rawErr, "the server rejected the request as malformed")
	case 401:
		return build(TypeClientUnauthorized, cctx, rawErr, "the server rejected the request as unauthorized")
	case 403:
		return build(TypeClientForbidden, cctx, rawErr, "access to the endpoint is forbidden")
	case 404:
		return build(TypeClientNotFound, cctx, rawErr, "the endpoint or resource was not found")
	case 413:
		return build(TypeClientPayloadTooLarge, cctx, rawErr, "the payload exceeds the server's size limit")
	case 500:
		return build(TypeServerInternal, cctx, rawErr, "the server reported an internal error")
	case 502, 503:
		return build(TypeServerUnavailable, cctx, rawErr, "the server is temporarily unavailable")
	case 504:
		return build(TypeServerGatewayTimeout, cctx, rawErr, "the server timed out upstream")
	default:
		if cctx.StatusCode >= 500 {
			return build(TypeServerInternal, cctx, rawErr, "the server reported an error")
		}
		return build(TypeUnknown, cctx, rawErr, "unexpected response status")
	}
}

func fromTransport(rawErr error, cctx Context) *DetailedError {
	switch {
	case cctx.Offline:
		return build(TypeNetworkOffline, cctx, rawErr, "no network connectivity")
	case errors.Is(rawErr, context.Canceled):
		return build(TypeCancelled, cctx, rawErr, "the operation was cancelled")
	case cctx.TimedOut, errors.Is(rawErr, context.DeadlineExceeded), isNetTimeout(rawErr):
		return build(TypeNetworkTimeout, cctx, rawErr, "the request timed out")
	case isNetError(rawErr):
		return build(TypeNetworkConnection, cctx, rawErr, "the connection to the server failed")
	case rawErr != nil:
		return build(TypeUnknown, cctx, rawErr, "an unexpected error occurred")
	default:
		return build(TypeUnknown, cctx, nil, "an unexpected error occurred")
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Validation builds a classified validation failure of the given type.
func Validation(t Type, message string) *DetailedError {
	switch t {
	case TypeValidationFileCorrupted, TypeValidationTooLarge,
		TypeValidationTooLong, TypeValidationUnsupportedFormat:
		return build(t, Context{}, nil, message)
	default:
		return build(TypeUnknown, Context{}, nil, message)
	}
}

// Malformed builds a classified failure for a response that violates the
// wire contract, such as a job payload without a status field.
func Malformed(op, message string) *DetailedError {
	return build(TypeServerInternal, Context{Op: op}, nil, message)
}

// SessionExpired builds a classified session expiry failure.
func SessionExpired(message string) *DetailedError {
	return build(TypeSessionExpired, Context{}, nil, message)
}

// ChunkMissing builds the session-level summary raised when chunks remain
// failed after a full orchestrator pass. Retry flags depend on the cause:
// a retryable last cause keeps the summary retryable.
func ChunkMissing(message string, lastCause *DetailedError) *DetailedError {
	e := build(TypeChunkMissing, Context{}, lastCause, message)
	if lastCause != nil && !lastCause.Retryable {
		e.Retryable = false
		e.AutoRetryable = false
	}
	return e
}

// Cancelled builds a classified user cancellation.
func Cancelled(op string) *DetailedError {
	return build(TypeCancelled, Context{Op: op}, context.Canceled, "the operation was cancelled")
}
