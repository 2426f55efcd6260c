package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrSessionExpired     ErrCode = "SESSION_EXPIRED"
	ErrNoActiveSession    ErrCode = "NO_ACTIVE_SESSION"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Navigation & submission ───────────────────────────────────────
	ErrSubmissionFailed     ErrCode = "SUBMISSION_FAILED"
	ErrSubmissionSuppressed ErrCode = "SUBMISSION_SUPPRESSED"
	ErrNavigationInFlight   ErrCode = "NAVIGATION_IN_FLIGHT"
	ErrUnknownPage          ErrCode = "UNKNOWN_PAGE"
	ErrNoNextPage           ErrCode = "NO_NEXT_PAGE"

	// ─── Timers ────────────────────────────────────────────────────────
	ErrTimerExpired    ErrCode = "TIMER_EXPIRED"
	ErrTimerNotRunning ErrCode = "TIMER_NOT_RUNNING"
	ErrTimerNotPaused  ErrCode = "TIMER_NOT_PAUSED"
	ErrUnknownScope    ErrCode = "UNKNOWN_TIMER_SCOPE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "This token belongs to a session that is no longer active."
	case ErrSessionExpired:
		return "Your login has expired. Please log in again."
	case ErrNoActiveSession:
		return "No session is active on this runner."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "The request payload is invalid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Navigation & submission ───────────────────────────────────────
	case ErrSubmissionFailed:
		return "The page could not be submitted. Please try again."
	case ErrSubmissionSuppressed:
		return "This page can only be left through its own submit control."
	case ErrNavigationInFlight:
		return "Another page change is already in progress."
	case ErrUnknownPage:
		return "The requested page does not exist."
	case ErrNoNextPage:
		return "There is no page after the current one."

	// ─── Timers ────────────────────────────────────────────────────────
	case ErrTimerExpired:
		return "This timer has expired."
	case ErrTimerNotRunning:
		return "This timer is not running."
	case ErrTimerNotPaused:
		return "This timer is not paused."
	case ErrUnknownScope:
		return "Unknown timer scope."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
