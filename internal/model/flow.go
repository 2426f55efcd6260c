package model

import (
	"fmt"
	"regexp"
	"strconv"
)

// FlowContext locates a page inside a multi-module flow.
type FlowContext struct {
	FlowID      string `json:"flowId" binding:"required"`
	SubmoduleID string `json:"submoduleId" binding:"required"`
	StepIndex   *int   `json:"stepIndex" binding:"required,gte=0"`
	PageID      string `json:"pageId,omitempty"`
}

// Complete reports whether the context carries all three locator fields.
func (f *FlowContext) Complete() bool {
	return f != nil && f.FlowID != "" && f.SubmoduleID != "" && f.StepIndex != nil
}

// Value is the structured operation value of a flow_context entry.
func (f *FlowContext) Value() map[string]any {
	v := map[string]any{
		"flowId":      f.FlowID,
		"submoduleId": f.SubmoduleID,
	}
	if f.StepIndex != nil {
		v["stepIndex"] = *f.StepIndex
	}
	if f.PageID != "" {
		v["pageId"] = f.PageID
	}
	return v
}

var flowDescPattern = regexp.MustCompile(`^\[([^/]+)/([^/]+)/(\d+)\]\s*(.*)$`)

// EnhancePageDesc prefixes desc with "[flowId/submoduleId/stepIndex]". An
// incomplete context leaves desc unchanged.
func EnhancePageDesc(desc string, flow *FlowContext) string {
	if !flow.Complete() {
		return desc
	}
	return fmt.Sprintf("[%s/%s/%d] %s", flow.FlowID, flow.SubmoduleID, *flow.StepIndex, desc)
}

// ExtractFlowContext reverses EnhancePageDesc. ok is false when desc carries
// no prefix.
func ExtractFlowContext(desc string) (flow FlowContext, original string, ok bool) {
	m := flowDescPattern.FindStringSubmatch(desc)
	if m == nil {
		return FlowContext{}, desc, false
	}
	step, err := strconv.Atoi(m[3])
	if err != nil {
		return FlowContext{}, desc, false
	}
	return FlowContext{FlowID: m[1], SubmoduleID: m[2], StepIndex: &step}, m[4], true
}
