package model

// Operation is one entry of a page's interaction log as it goes on the wire.
// Value is either a string or a structured (JSON object) value.
type Operation struct {
	Code          int       `json:"code" validate:"gte=1"`
	TargetElement string    `json:"targetElement"`
	EventType     EventType `json:"eventType" validate:"required,eventtype"`
	Value         any       `json:"value"`
	Time          string    `json:"time" validate:"required,marktime"`
	PageID        string    `json:"pageId,omitempty"`
}

// Answer is a collected answer. Answers for the same target overwrite each
// other.
type Answer struct {
	Code          int    `json:"code" validate:"gte=1"`
	TargetElement string `json:"targetElement" validate:"required"`
	Value         string `json:"value"`
}
