package model

// EventType is the kind of an operation log entry.
type EventType string

const (
	EventPageEnter               EventType = "page_enter"
	EventPageExit                EventType = "page_exit"
	EventPageSubmitSuccess       EventType = "page_submit_success"
	EventPageSubmitFailed        EventType = "page_submit_failed"
	EventFlowContext             EventType = "flow_context"
	EventClick                   EventType = "click"
	EventInput                   EventType = "input"
	EventInputBlur               EventType = "input_blur"
	EventRadioSelect             EventType = "radio_select"
	EventCheckboxCheck           EventType = "checkbox_check"
	EventCheckboxUncheck         EventType = "checkbox_uncheck"
	EventModalOpen               EventType = "modal_open"
	EventModalClose              EventType = "modal_close"
	EventViewMaterial            EventType = "view_material"
	EventTimerStart              EventType = "timer_start"
	EventTimerStop               EventType = "timer_stop"
	EventSimulationTimingStarted EventType = "simulation_timing_started"
	EventSimulationRunResult     EventType = "simulation_run_result"
	EventSimulationOperation     EventType = "simulation_operation"
	EventQuestionnaireAnswer     EventType = "questionnaire_answer"
	EventSessionExpired          EventType = "session_expired"
	EventNetworkError            EventType = "network_error"
)

var recognizedEvents = map[EventType]struct{}{
	EventPageEnter: {}, EventPageExit: {}, EventPageSubmitSuccess: {}, EventPageSubmitFailed: {},
	EventFlowContext: {}, EventClick: {}, EventInput: {}, EventInputBlur: {},
	EventRadioSelect: {}, EventCheckboxCheck: {}, EventCheckboxUncheck: {},
	EventModalOpen: {}, EventModalClose: {}, EventViewMaterial: {},
	EventTimerStart: {}, EventTimerStop: {},
	EventSimulationTimingStarted: {}, EventSimulationRunResult: {}, EventSimulationOperation: {},
	EventQuestionnaireAnswer: {}, EventSessionExpired: {}, EventNetworkError: {},
}

// IsRecognized reports whether t belongs to the closed set of event types
// that may appear in a submitted mark.
func (t EventType) IsRecognized() bool {
	_, ok := recognizedEvents[t]
	return ok
}

// RecognizedEventTypes returns the closed set as strings, used to register
// the "eventtype" validation tag.
func RecognizedEventTypes() []string {
	out := make([]string, 0, len(recognizedEvents))
	for t := range recognizedEvents {
		out = append(out, string(t))
	}
	return out
}
