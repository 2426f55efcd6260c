package model

import (
	"fmt"
	"time"
)

// MarkTimeLayout is the fixed wire format of every mark timestamp.
const MarkTimeLayout = "2006-01-02 15:04:05"

// MarkPayload is the per-page submission unit.
type MarkPayload struct {
	PageNumber    string      `json:"pageNumber" validate:"required"`
	PageDesc      string      `json:"pageDesc" validate:"required"`
	OperationList []Operation `json:"operationList" validate:"dive"`
	AnswerList    []Answer    `json:"answerList" validate:"dive"`
	BeginTime     string      `json:"beginTime" validate:"required,marktime"`
	EndTime       string      `json:"endTime" validate:"required,marktime"`
	ImgList       []string    `json:"imgList"`
}

// MarkInput is what callers hand to NewMark.
type MarkInput struct {
	PageNumber string
	PageDesc   string
	Operations []Operation
	Answers    []Answer
	BeginTime  time.Time
	EndTime    time.Time
}

// FormatTimestamp renders t in MarkTimeLayout in t's own location.
func FormatTimestamp(t time.Time) string {
	return t.Format(MarkTimeLayout)
}

// ParseTimestamp parses a MarkTimeLayout string in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(MarkTimeLayout, s, loc)
}

// NewMark normalizes in into a payload: list fields are never nil, missing
// codes are filled with their 1-based position, nil values become "" and
// missing operation times default to the end time.
func NewMark(in MarkInput) MarkPayload {
	end := in.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	begin := in.BeginTime
	if begin.IsZero() {
		begin = end
	}

	ops := make([]Operation, len(in.Operations))
	for i, op := range in.Operations {
		if op.Code == 0 {
			op.Code = i + 1
		}
		op.Value = normalizeValue(op.Value)
		if op.Time == "" {
			op.Time = FormatTimestamp(end)
		}
		ops[i] = op
	}

	answers := make([]Answer, len(in.Answers))
	for i, a := range in.Answers {
		if a.Code == 0 {
			a.Code = i + 1
		}
		answers[i] = a
	}

	return MarkPayload{
		PageNumber:    in.PageNumber,
		PageDesc:      in.PageDesc,
		OperationList: ops,
		AnswerList:    answers,
		BeginTime:     FormatTimestamp(begin),
		EndTime:       FormatTimestamp(end),
		ImgList:       []string{},
	}
}

// Normalized returns a copy of m whose list fields are non-nil.
func (m MarkPayload) Normalized() MarkPayload {
	if m.OperationList == nil {
		m.OperationList = []Operation{}
	}
	if m.AnswerList == nil {
		m.AnswerList = []Answer{}
	}
	if m.ImgList == nil {
		m.ImgList = []string{}
	}
	return m
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string, map[string]any, []any:
		return val
	case fmt.Stringer:
		return val.String()
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(val)
	default:
		return val
	}
}
