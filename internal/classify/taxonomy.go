// SPDX-License-Identifier: MIT

package classify

// profile holds the fixed metadata attached to each taxonomy type.
type profile struct {
	category        Category
	retryable       bool
	autoRetryable   bool
	manualRetryable bool
	recovery        []RecoveryOption
}

// taxonomy is the closed mapping of type to retry policy and recovery
// options. Exactly one option per type is primary.
var taxonomy = map[Type]profile{
	TypeNetworkTimeout: {
		category: CategoryNetwork, retryable: true, autoRetryable: true, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Try again", Primary: true},
			{Action: ActionCheckConnection, Label: "Check your connection"},
		},
	},
	TypeNetworkOffline: {
		category: CategoryNetwork, retryable: true, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionCheckConnection, Label: "Check your connection", Primary: true},
			{Action: ActionRetry, Label: "Try again"},
		},
	},
	TypeNetworkConnection: {
		category: CategoryNetwork, retryable: true, autoRetryable: true, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Try again", Primary: true},
			{Action: ActionCheckConnection, Label: "Check your connection"},
		},
	},

	TypeClientInvalidRequest: {
		category: CategoryClient, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionTryDifferentFile, Label: "Record again", Primary: true},
			{Action: ActionRefreshPage, Label: "Refresh and retry"},
		},
	},
	TypeClientUnauthorized: {
		category: CategoryClient, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRefreshPage, Label: "Refresh and retry", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeClientForbidden: {
		category: CategoryClient, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRefreshPage, Label: "Refresh and retry", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeClientNotFound: {
		category: CategoryClient, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRefreshPage, Label: "Refresh and retry", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeClientPayloadTooLarge: {
		category: CategoryClient, retryable: true, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetryWithSmallerChunks, Label: "Retry with smaller chunks", Primary: true},
			{Action: ActionRetryWithoutChunks, Label: "Retry as a single upload"},
		},
	},

	TypeServerInternal: {
		category: CategoryServer, retryable: true, autoRetryable: true, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Try again", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeServerUnavailable: {
		category: CategoryServer, retryable: true, autoRetryable: true, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Try again", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeServerGatewayTimeout: {
		category: CategoryServer, retryable: true, autoRetryable: true, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Try again", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},

	TypeValidationFileCorrupted: {
		category: CategoryValidation, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionTryDifferentFile, Label: "Record again", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeValidationTooLarge: {
		category: CategoryValidation, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionTryDifferentFile, Label: "Record a shorter clip", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeValidationTooLong: {
		category: CategoryValidation, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionTryDifferentFile, Label: "Record a shorter clip", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
	TypeValidationUnsupportedFormat: {
		category: CategoryValidation, retryable: false, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionTryDifferentFile, Label: "Record again", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},

	TypeSessionExpired: {
		category: CategorySession, retryable: true, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Start over", Primary: true},
			{Action: ActionRefreshPage, Label: "Refresh and retry"},
		},
	},
	TypeChunkMissing: {
		category: CategorySession, retryable: true, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Resume upload", Primary: true},
			{Action: ActionRetryWithSmallerChunks, Label: "Retry with smaller chunks"},
		},
	},

	TypeCancelled: {
		category: CategoryUserAction, retryable: true, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Restart upload", Primary: true},
		},
	},

	TypeUnknown: {
		category: CategoryUnknown, retryable: true, autoRetryable: false, manualRetryable: true,
		recovery: []RecoveryOption{
			{Action: ActionRetry, Label: "Try again", Primary: true},
			{Action: ActionContactSupport, Label: "Contact support"},
		},
	},
}

// AllTypes returns every type in the closed taxonomy.
func AllTypes() []Type {
	out := make([]Type, 0, len(taxonomy))
	for t := range taxonomy {
		out = append(out, t)
	}
	return out
}

func build(t Type, cctx Context, rawErr error, message string) *DetailedError {
	p, ok := taxonomy[t]
	if !ok {
		p = taxonomy[TypeUnknown]
		t = TypeUnknown
	}

	if cctx.Op != "" {
		message = cctx.Op + ": " + message
	}

	// Copy the option list so callers can never mutate the table.
	recovery := make([]RecoveryOption, len(p.recovery))
	copy(recovery, p.recovery)

	return &DetailedError{
		Type:            t,
		Category:        p.category,
		Message:         message,
		Status:          cctx.StatusCode,
		Retryable:       p.retryable,
		AutoRetryable:   p.autoRetryable,
		ManualRetryable: p.manualRetryable,
		RecoveryOptions: recovery,
		Err:             rawErr,
	}
}
