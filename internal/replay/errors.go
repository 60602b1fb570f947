package replay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStepFailed is the sentinel all step-level failures unwrap to.
var ErrStepFailed = errors.New("step failed")

// ErrorKind classifies a step failure. Kinds, not error types, drive the
// retry policy and diagnostics.
type ErrorKind string

const (
	// KindNotFound means the locator exhausted every strategy.
	KindNotFound ErrorKind = "not_found"
	// KindLowConfidence means an element was found but scored below
	// the configured minimum confidence. Soft failure, retryable.
	KindLowConfidence ErrorKind = "low_confidence_match"
	// KindNotReady means a readiness condition timed out. Retryable.
	KindNotReady ErrorKind = "element_not_ready"
	// KindExecution means event dispatch itself failed. Not retryable
	// by default; an identical dispatch rarely fares better.
	KindExecution ErrorKind = "execution_error"
	// KindNavigationMismatch is warning-level only and never fails a
	// session.
	KindNavigationMismatch ErrorKind = "navigation_mismatch"
)

// StepError is the failure of one step attempt.
type StepError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`

	// Candidates lists the selectors the locator attempted, for
	// not-found diagnostics.
	Candidates []string `json:"candidates,omitempty"`

	// Confidence is the best-effort score of the closest non-matching
	// element (not-found) or of the rejected match (low confidence).
	Confidence float64 `json:"confidence,omitempty"`

	Cause error `json:"-"`
}

func (e *StepError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *StepError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrStepFailed
}

// Retryable reports whether retrying the attempt can plausibly succeed:
// readiness timeouts and low-confidence matches always can, a not-found
// only when the nearest miss scored at least 0.4.
func (e *StepError) Retryable() bool {
	switch e.Kind {
	case KindNotReady, KindLowConfidence:
		return true
	case KindNotFound:
		return e.Confidence >= 0.4
	}
	return false
}

// asStepError coerces any error into a StepError, wrapping unknown
// failures as execution errors.
func asStepError(err error) *StepError {
	var serr *StepError
	if errors.As(err, &serr) {
		return serr
	}
	return &StepError{Kind: KindExecution, Cause: err}
}
