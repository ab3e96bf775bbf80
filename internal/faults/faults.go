package faults

// Package faults is the shared error taxonomy for the interview and synthesis
// paths. Every error that crosses a component boundary is classified into a
// Kind; retry policy and user-visible messaging key off that classification
// instead of string matching at call sites.

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and display decisions.
type Kind string

const (
	// KindAuth is a model provider credential failure. Fatal.
	KindAuth Kind = "auth"

	// KindQuota means the upstream provider's own quota or credit is
	// exhausted. Fatal.
	KindQuota Kind = "quota"

	// KindRateLimit is upstream throttling. Retryable, honoring the
	// provider's retry-after hint when present.
	KindRateLimit Kind = "rate_limit"

	// KindNetwork is a connection failure or timeout. Retryable.
	KindNetwork Kind = "network"

	// KindInvalidResponse means structured model output failed to parse.
	// Retryable, scoped to the one call that produced it.
	KindInvalidResponse Kind = "invalid_response"

	// KindNoInterviews means a synthesis run was requested for a campaign
	// with no completed interviews. Fatal, never retried.
	KindNoInterviews Kind = "no_interviews"

	// KindDatabase is a persistence failure. Retryable.
	KindDatabase Kind = "database"

	// KindUsageCommit means a usage total could not be committed to the
	// tenant ledger. Surfaced distinctly because lost usage accounting is a
	// billing-integrity issue.
	KindUsageCommit Kind = "usage_commit"

	// KindConflict covers operation-level rejections such as a concurrent
	// turn on the same session. Fatal from the caller's perspective.
	KindConflict Kind = "conflict"

	// KindInternal is the fallback for unclassified errors. Fatal.
	KindInternal Kind = "internal"
)

// Fault is a classified error. Code is the stable internal identifier;
// Message is human-readable and safe to display directly.
type Fault struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration // rate-limit hint, zero when absent
	Err        error         // wrapped cause, may be nil
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", f.Kind, f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", f.Kind, f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// Retryable reports whether the fault may be retried locally.
func (f *Fault) Retryable() bool {
	switch f.Kind {
	case KindRateLimit, KindNetwork, KindInvalidResponse, KindDatabase:
		return true
	}
	return false
}

// New creates a Fault without a wrapped cause.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault around an underlying cause.
func Wrap(kind Kind, code, message string, err error) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message, Err: err}
}

// As extracts the Fault from an error chain, or nil.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if f := As(err); f != nil {
		return f.Kind
	}
	return KindInternal
}

// Retryable reports whether err may be retried. Unclassified errors are not.
func Retryable(err error) bool {
	if f := As(err); f != nil {
		return f.Retryable()
	}
	return false
}

// RetryAfterHint returns the provider's retry-after hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	f := As(err)
	if f == nil || f.RetryAfter <= 0 {
		return 0, false
	}
	return f.RetryAfter, true
}

// UserMessage returns a message suitable for direct display. Unclassified
// errors get a generic message rather than leaking internals.
func UserMessage(err error) string {
	if f := As(err); f != nil && f.Message != "" {
		return f.Message
	}
	return "an internal error occurred, please try again later"
}
