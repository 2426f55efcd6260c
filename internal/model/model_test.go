package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMarkNormalizes(t *testing.T) {
	begin := time.Date(2026, 5, 4, 9, 3, 7, 0, time.Local)
	end := begin.Add(95 * time.Second)

	mark := NewMark(MarkInput{
		PageNumber: "3",
		PageDesc:   "Question 2",
		Operations: []Operation{
			{TargetElement: "page", EventType: EventPageEnter, Value: nil, Time: "2026-05-04 09:03:07"},
			{TargetElement: "option-b", EventType: EventRadioSelect, Value: 2},
		},
		BeginTime: begin,
		EndTime:   end,
	})

	require.Equal(t, "2026-05-04 09:03:07", mark.BeginTime)
	require.Equal(t, "2026-05-04 09:04:42", mark.EndTime)
	require.Equal(t, 1, mark.OperationList[0].Code)
	require.Equal(t, 2, mark.OperationList[1].Code)
	require.Equal(t, "", mark.OperationList[0].Value)
	require.Equal(t, "2", mark.OperationList[1].Value)
	require.Equal(t, mark.EndTime, mark.OperationList[1].Time)
	require.NotNil(t, mark.AnswerList)
	require.NotNil(t, mark.ImgList)

	raw, err := json.Marshal(mark)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"answerList":[]`)
	require.Contains(t, string(raw), `"imgList":[]`)
}

func TestEventTypeRecognition(t *testing.T) {
	require.True(t, EventFlowContext.IsRecognized())
	require.False(t, EventType("hover").IsRecognized())
	require.Len(t, RecognizedEventTypes(), 22)
}

func TestFlowContextDescRoundTrip(t *testing.T) {
	step := 0
	flow := &FlowContext{FlowID: "g7a-mix-001", SubmoduleID: "g7-experiment", StepIndex: &step}

	desc := EnhancePageDesc("Question 1", flow)
	require.Equal(t, "[g7a-mix-001/g7-experiment/0] Question 1", desc)

	got, original, ok := ExtractFlowContext(desc)
	require.True(t, ok)
	require.Equal(t, "Question 1", original)
	require.Equal(t, "g7a-mix-001", got.FlowID)
	require.Equal(t, 0, *got.StepIndex)

	require.Equal(t, "Question 1", EnhancePageDesc("Question 1", &FlowContext{FlowID: "x"}))
	_, _, ok = ExtractFlowContext("Question 1")
	require.False(t, ok)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()

	info, ok := c.Lookup(PageTaskCompletion)
	require.True(t, ok)
	require.Equal(t, "19", info.Number)
	require.Equal(t, 13, info.StepNumber)

	next, ok := c.Next("Page_04_Material_Reading_Factor_Selection")
	require.True(t, ok)
	require.Equal(t, "Page_10_Hypothesis_Focus", next)

	_, ok = c.Next(PageEffortSubmit)
	require.False(t, ok)

	require.Equal(t, PagePrecautions, c.PageIDFromNumber("0"))
	require.Equal(t, PagePrecautions, c.PageIDFromNumber("7"))
	require.Equal(t, "Page_22_Creativity_Questions", c.ResumeTarget("22"))
	require.Equal(t, PageEffortSubmit, c.ResumeTarget("31"))

	require.True(t, IsBootstrap(PageStart))
	require.True(t, IsBootstrap(PageLogin))
	require.False(t, IsBootstrap(PagePrecautions))
}

func TestCatalogPrecedes(t *testing.T) {
	c := DefaultCatalog()

	require.True(t, c.Precedes("Page_02_Introduction", PageTaskCompletion))
	require.True(t, c.Precedes("Modal_Page_06_Principle", PageTaskCompletion))
	require.False(t, c.Precedes(PageTaskCompletion, PageTaskCompletion))
	require.False(t, c.Precedes("Page_21_Curiosity_Questions", PageTaskCompletion))
	require.False(t, c.Precedes("Page_99_Nowhere", PageTaskCompletion))
}
