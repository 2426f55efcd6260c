package submission

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a submission did not succeed. Only this
// package assigns kinds; callers display them but never reclassify.
type FailureKind string

const (
	KindValidation      FailureKind = "validation"
	KindTransport       FailureKind = "transport"
	KindBusiness        FailureKind = "business"
	KindSessionExpired  FailureKind = "session_expired"
	KindMissingIdentity FailureKind = "missing_identity"
)

// ErrSessionExpired is wrapped by every session-expiry failure.
var ErrSessionExpired = errors.New("submission: session expired")

// Error is the failure half of a submission result.
type Error struct {
	Kind     FailureKind
	Code     int
	Message  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.Err != nil:
		return fmt.Sprintf("submission %s (code %d) after %d attempt(s): %v", e.Kind, e.Code, e.Attempts, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("submission %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("submission %s after %d attempt(s): %s", e.Kind, e.Attempts, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the user may try the same page again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindBusiness
}

// KindOf extracts the failure kind of err, or "" when err is not a
// submission error.
func KindOf(err error) FailureKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// StatusError is a non-2xx HTTP answer from the backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Status, e.Body)
}
