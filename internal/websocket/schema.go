package websocket

import "github.com/stemsi/exstem-runner/internal/events"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing      Action = "ping"
	ActionOperation Action = "operation"
	ActionAnswer    Action = "answer"
)

// RequestPayload is every client message; fields are used per action.
type RequestPayload struct {
	Action        Action `json:"action"`
	TargetElement string `json:"target_element,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	Value         any    `json:"value,omitempty"`
	Answer        string `json:"answer,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventAck    Event = "ack"
	EventPong   Event = "pong"
	EventNotice Event = "notice"
)

type AckResponse struct {
	Event    Event  `json:"event"`
	Action   Action `json:"action"`
	Accepted bool   `json:"accepted"`
}

type NoticeResponse struct {
	Event  Event        `json:"event"`
	Notice events.Event `json:"notice"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
