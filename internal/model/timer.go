package model

// TimerStatus is the lifecycle state of one timer scope.
type TimerStatus string

const (
	TimerIdle    TimerStatus = "idle"
	TimerRunning TimerStatus = "running"
	TimerPaused  TimerStatus = "paused"
	TimerExpired TimerStatus = "expired"
)

// Timer scopes.
const (
	ScopeTask          = "task"
	ScopeQuestionnaire = "questionnaire"
	ScopeNotice        = "notice"
)

// TimerSnapshot is a read-only view of a scope.
type TimerSnapshot struct {
	Scope     string      `json:"scope"`
	Status    TimerStatus `json:"status"`
	Duration  int         `json:"duration"`
	Remaining int         `json:"remaining"`
	StartedAt string      `json:"started_at,omitempty"`
}
