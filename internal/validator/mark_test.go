package validator

import (
	"errors"
	"testing"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stretchr/testify/require"
)

func validMark() model.MarkPayload {
	return model.MarkPayload{
		PageNumber: "2",
		PageDesc:   "Question 1",
		OperationList: []model.Operation{
			{Code: 1, TargetElement: "page", EventType: model.EventPageEnter, Value: "enter", Time: "2026-04-20 10:00:00"},
			{Code: 2, TargetElement: "flow_context", EventType: model.EventFlowContext, Value: map[string]any{"flowId": "f1"}, Time: "2026-04-20 10:00:01"},
		},
		AnswerList: []model.Answer{{Code: 1, TargetElement: "q1", Value: "A"}},
		BeginTime:  "2026-04-20 10:00:00",
		EndTime:    "2026-04-20 10:02:00",
		ImgList:    []string{},
	}
}

func TestValidateMarkAccepts(t *testing.T) {
	require.NoError(t, ValidateMark(validMark()))
}

func TestValidateMarkRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(m *model.MarkPayload)
		field  string
	}{
		"missing page number": {func(m *model.MarkPayload) { m.PageNumber = " " }, "pageNumber"},
		"missing desc":        {func(m *model.MarkPayload) { m.PageDesc = "" }, "pageDesc"},
		"nil answers":         {func(m *model.MarkPayload) { m.AnswerList = nil }, "answerList"},
		"gap in codes":        {func(m *model.MarkPayload) { m.OperationList[1].Code = 3 }, "operationList[1].code"},
		"string flow context": {func(m *model.MarkPayload) { m.OperationList[1].Value = "f1" }, "operationList[1].value"},
		"answer codes":        {func(m *model.MarkPayload) { m.AnswerList[0].Code = 2 }, "answerList[0].code"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m := validMark()
			tc.mutate(&m)
			err := ValidateMark(m)
			var me *MarkError
			require.True(t, errors.As(err, &me), "got %v", err)
			require.Equal(t, tc.field, me.Field)
		})
	}
}

func TestValidateMarkTagRules(t *testing.T) {
	m := validMark()
	m.OperationList[0].EventType = "hover"
	err := ValidateMark(m)
	var ve govalidator.ValidationErrors
	require.True(t, errors.As(err, &ve))
	require.Contains(t, TranslateErrors(err), "eventType")

	m = validMark()
	m.EndTime = "20/04/2026"
	require.Error(t, ValidateMark(m))
}
