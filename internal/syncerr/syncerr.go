// Package syncerr defines the error-kind taxonomy used uniformly across
// the sync engine (spec.md §7). Components translate lower-level errors
// into one of these kinds before returning to their caller; only the
// orchestrator decides the terminal SyncLog status.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of orchestrator decisions and
// SyncLog error classification.
type Kind string

const (
	// ConfigMissing — required configuration absent at startup. Fatal;
	// aborts scheduler boot.
	ConfigMissing Kind = "config_missing"
	// CredentialCorrupt — vault decryption failed. Per-job fatal.
	CredentialCorrupt Kind = "credential_corrupt"
	// MarketplaceTransient — retriable upstream error (5xx, 429, transport).
	MarketplaceTransient Kind = "marketplace_transient"
	// MarketplaceInvalid — non-retriable upstream error (4xx other than 429).
	MarketplaceInvalid Kind = "marketplace_invalid"
	// QuotaExceeded — spreadsheet quota exhausted.
	QuotaExceeded Kind = "quota_exceeded"
	// ReconciliationMismatch — merge-time invariant warning, non-fatal.
	ReconciliationMismatch Kind = "reconciliation_mismatch"
	// Deadline — soft or hard timeout elapsed.
	Deadline Kind = "deadline"
	// Internal — unexpected programming error.
	Internal Kind = "internal"
)

// Error wraps a cause with a Kind so upper layers can pattern-match on it
// without re-raising or losing the original error for the log sink.
type Error struct {
	Kind    Kind
	Op      string // the component/operation that produced the error, e.g. "wbclient.FetchAggregates"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error around an existing error.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise returns Internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Internal
}
