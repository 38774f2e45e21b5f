// SPDX-License-Identifier: MIT

package classify

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		status   int
		expected Type
	}{
		{400, TypeClientInvalidRequest},
		{401, TypeClientUnauthorized},
		{403, TypeClientForbidden},
		{404, TypeClientNotFound},
		{413, TypeClientPayloadTooLarge},
		{500, TypeServerInternal},
		{502, TypeServerUnavailable},
		{503, TypeServerUnavailable},
		{504, TypeServerGatewayTimeout},
		{507, TypeServerInternal},
		{418, TypeUnknown},
	}

	for _, tt := range tests {
		e := Classify(nil, Context{StatusCode: tt.status})
		assert.Equal(t, tt.expected, e.Type, "status %d", tt.status)
		assert.Equal(t, tt.status, e.Status)
	}
}

func TestClassify_TransportConditions(t *testing.T) {
	connRefused := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name     string
		err      error
		cctx     Context
		expected Type
	}{
		{"offline flag wins", errors.New("whatever"), Context{Offline: true}, TypeNetworkOffline},
		{"context cancelled", context.Canceled, Context{}, TypeCancelled},
		{"context deadline", context.DeadlineExceeded, Context{}, TypeNetworkTimeout},
		{"caller timeout flag", errors.New("slow"), Context{TimedOut: true}, TypeNetworkTimeout},
		{"connection refused", connRefused, Context{}, TypeNetworkConnection},
		{"generic failure", errors.New("mystery"), Context{}, TypeUnknown},
		{"no error at all", nil, Context{}, TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.err, tt.cctx)
			assert.Equal(t, tt.expected, e.Type)
		})
	}
}

func TestClassify_RetryFlagsMatchTaxonomy(t *testing.T) {
	tests := []struct {
		t               Type
		retryable       bool
		autoRetryable   bool
		manualRetryable bool
	}{
		{TypeNetworkTimeout, true, true, true},
		{TypeNetworkOffline, true, false, true},
		{TypeNetworkConnection, true, true, true},
		{TypeClientInvalidRequest, false, false, true},
		{TypeClientPayloadTooLarge, true, false, true},
		{TypeServerInternal, true, true, true},
		{TypeServerUnavailable, true, true, true},
		{TypeValidationFileCorrupted, false, false, true},
		{TypeCancelled, true, false, true},
		{TypeUnknown, true, false, true},
	}

	for _, tt := range tests {
		p, ok := taxonomy[tt.t]
		require.True(t, ok, "type %s missing from taxonomy", tt.t)
		assert.Equal(t, tt.retryable, p.retryable, "%s retryable", tt.t)
		assert.Equal(t, tt.autoRetryable, p.autoRetryable, "%s autoRetryable", tt.t)
		assert.Equal(t, tt.manualRetryable, p.manualRetryable, "%s manualRetryable", tt.t)
	}
}

func TestTaxonomy_ExactlyOnePrimaryPerType(t *testing.T) {
	for typ, p := range taxonomy {
		primaries := 0
		for _, opt := range p.recovery {
			if opt.Primary {
				primaries++
			}
		}
		assert.Equal(t, 1, primaries, "type %s must have exactly one primary recovery option", typ)
	}
}

func TestDetailedError_UnwrapAndMessage(t *testing.T) {
	cause := errors.New("tcp reset")
	e := Classify(cause, Context{Op: "chunk upload", StatusCode: 503})

	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "chunk upload")
	assert.Contains(t, e.Error(), "HTTP 503")
	assert.Equal(t, ActionRetry, e.Primary().Action)
}

func TestChunkMissing_InheritsNonRetryableCause(t *testing.T) {
	cause := Classify(nil, Context{StatusCode: 400})
	e := ChunkMissing("2 chunks failed", cause)

	assert.Equal(t, TypeChunkMissing, e.Type)
	assert.False(t, e.Retryable)
	assert.False(t, e.AutoRetryable)

	retryableCause := Classify(nil, Context{StatusCode: 503})
	e2 := ChunkMissing("1 chunk failed", retryableCause)
	assert.True(t, e2.Retryable)
}

func TestValidation_RejectsNonValidationTypes(t *testing.T) {
	e := Validation(TypeServerInternal, "nope")
	assert.Equal(t, TypeUnknown, e.Type)

	e = Validation(TypeValidationTooLong, "recording exceeds the limit")
	assert.Equal(t, TypeValidationTooLong, e.Type)
	assert.Equal(t, CategoryValidation, e.Category)
}

func TestRecoveryOptions_AreCopies(t *testing.T) {
	e1 := Classify(nil, Context{StatusCode: 500})
	e1.RecoveryOptions[0].Label = "mutated"

	e2 := Classify(nil, Context{StatusCode: 500})
	assert.Equal(t, "Try again", e2.RecoveryOptions[0].Label)
}
