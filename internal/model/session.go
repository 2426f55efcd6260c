package model

import (
	"encoding/json"
	"time"
)

// Session is one authenticated run.
type Session struct {
	// Identity
	ID        string          `json:"id"`
	BatchCode string          `json:"batch_code"`
	ExamNo    string          `json:"exam_no"`
	ModuleURL string          `json:"module_url,omitempty"`
	User      json.RawMessage `json:"user,omitempty"`

	// Progress
	CurrentPageID string    `json:"current_page_id"`
	PageNumber    string    `json:"page_number"`
	StepNumber    int       `json:"step_number"`
	TaskFinished  bool      `json:"task_finished"`
	TimeUp        bool      `json:"time_up"`
	PageEnteredAt time.Time `json:"page_entered_at"`
}

// UserContext is the identity a submission is made under.
type UserContext struct {
	BatchCode string `json:"batchCode"`
	ExamNo    string `json:"examNo"`
}

// Valid reports whether both identity fields are present.
func (u UserContext) Valid() bool {
	return u.BatchCode != "" && u.ExamNo != ""
}

// UserContext extracts the submission identity.
func (s *Session) UserContext() UserContext {
	return UserContext{BatchCode: s.BatchCode, ExamNo: s.ExamNo}
}

// Progress is the set of fields a successful navigation changes.
type Progress struct {
	PageID        string
	PageNumber    string
	StepNumber    int
	TaskFinished  bool
	PageEnteredAt time.Time
}

// LoginRequest is the payload for starting or resuming a session.
type LoginRequest struct {
	BatchCode string          `json:"batch_code" binding:"required,max=64"`
	ExamNo    string          `json:"exam_no" binding:"required,max=64"`
	ModuleURL string          `json:"module_url" binding:"omitempty,max=256"`
	User      json.RawMessage `json:"user"`
	// PageNumber is the page the backend reports the user at, if any.
	PageNumber string `json:"page_number" binding:"omitempty,max=16"`
}

// Heartbeat is one queued progress report for a flow.
type Heartbeat struct {
	FlowID        string `json:"flowId"`
	ExamNo        string `json:"examNo"`
	BatchCode     string `json:"batchCode"`
	StepIndex     int    `json:"stepIndex"`
	ModulePageNum string `json:"modulePageNum"`
	TS            int64  `json:"ts"`
}
