// Package errs defines the closed taxonomy of error kinds the core surfaces
// to its front (spec §6, §7), plus the wrapper type that carries one.
package errs

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind is one of the fixed error kinds the front can switch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindQuotaExhausted
	KindUploadInvalidSize
	KindUploadInvalidChunkIndex
	KindUploadInvalidMagicMismatch
	KindUploadInvalidConflict
	KindUploadInvalidMissingChunks
	KindNotFound
	KindForbidden
	KindPreconditionFailed
	KindInternal
	// job execution terminal kinds (spec §8 taxonomy, recorded on the Job,
	// never returned from an API call)
	KindSubprocessCrashed
	KindSubprocessNonzeroExit
	KindTimeout
	KindWorkerLost
	KindOutputMissing
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindUploadInvalidSize:
		return "upload_invalid:size"
	case KindUploadInvalidChunkIndex:
		return "upload_invalid:chunk_index"
	case KindUploadInvalidMagicMismatch:
		return "upload_invalid:magic_mismatch"
	case KindUploadInvalidConflict:
		return "upload_invalid:conflict"
	case KindUploadInvalidMissingChunks:
		return "upload_invalid:missing_chunks"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindInternal:
		return "internal"
	case KindSubprocessCrashed:
		return "subprocess_crashed"
	case KindSubprocessNonzeroExit:
		return "subprocess_nonzero_exit"
	case KindTimeout:
		return "timeout"
	case KindWorkerLost:
		return "worker_lost"
	case KindOutputMissing:
		return "output_missing"
	default:
		return "unknown"
	}
}

// CoreError is the typed sum value errors travel as within the core.
// Never panic: a worker that panics is converted to CoreError{Kind:
// KindWorkerLost} at the slot boundary (see internal/worker).
type CoreError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // meaningful for KindRateLimited
	WindowEnd  time.Time     // meaningful for KindQuotaExhausted
	cause      error
}

func (e *CoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.cause }

// New builds a CoreError of the given kind with a sanitized message.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap annotates cause with kind/message, preserving it for %w-style chains.
func Wrap(cause error, kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// RateLimited builds the rate_limited(retry_after) error kind from §6.
func RateLimited(retryAfter time.Duration) *CoreError {
	return &CoreError{Kind: KindRateLimited, Message: "too many requests", RetryAfter: retryAfter}
}

// QuotaExhausted builds the quota_exhausted(window_end) error kind from §6.
func QuotaExhausted(windowEnd time.Time) *CoreError {
	return &CoreError{Kind: KindQuotaExhausted, Message: "api key quota exhausted", WindowEnd: windowEnd}
}

// NotFound builds the not_found error kind.
func NotFound(what string) *CoreError {
	return &CoreError{Kind: KindNotFound, Message: what + " not found"}
}

// Forbidden builds the forbidden error kind.
func Forbidden(reason string) *CoreError {
	return &CoreError{Kind: KindForbidden, Message: reason}
}

// PreconditionFailed builds the precondition_failed error kind.
func PreconditionFailed(reason string) *CoreError {
	return &CoreError{Kind: KindPreconditionFailed, Message: reason}
}

// As reports whether err is a *CoreError and returns it.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Is reports whether err is a *CoreError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == kind
}
