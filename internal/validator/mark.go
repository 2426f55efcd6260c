package validator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-runner/internal/model"
)

// MarkError is a structural rule a mark payload breaks that struct tags
// cannot express.
type MarkError struct {
	Field  string
	Reason string
}

func (e *MarkError) Error() string {
	return fmt.Sprintf("invalid mark: %s %s", e.Field, e.Reason)
}

var (
	markValidate *govalidator.Validate
	markOnce     sync.Once
)

func markValidator() *govalidator.Validate {
	markOnce.Do(func() {
		v := govalidator.New(govalidator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(jsonTagName)
		_ = v.RegisterValidation("eventtype", func(fl govalidator.FieldLevel) bool {
			return model.EventType(fl.Field().String()).IsRecognized()
		})
		_ = v.RegisterValidation("marktime", func(fl govalidator.FieldLevel) bool {
			_, err := time.Parse(model.MarkTimeLayout, fl.Field().String())
			return err == nil
		})
		_ = en_translations.RegisterDefaultTranslations(v, translator())
		markValidate = v
	})
	return markValidate
}

// ValidateMark checks a payload before it is sent: required page fields,
// fixed timestamp format, recognized event types, 1-based sequential codes
// in both lists and a structured value on every flow_context operation.
func ValidateMark(m model.MarkPayload) error {
	if strings.TrimSpace(m.PageNumber) == "" {
		return &MarkError{Field: "pageNumber", Reason: "must be a non-empty string"}
	}
	if strings.TrimSpace(m.PageDesc) == "" {
		return &MarkError{Field: "pageDesc", Reason: "must be a non-empty string"}
	}
	if m.OperationList == nil {
		return &MarkError{Field: "operationList", Reason: "must be an array"}
	}
	if m.AnswerList == nil {
		return &MarkError{Field: "answerList", Reason: "must be an array"}
	}

	if err := markValidator().Struct(m); err != nil {
		return err
	}

	for i, op := range m.OperationList {
		if op.Code != i+1 {
			return &MarkError{Field: fmt.Sprintf("operationList[%d].code", i), Reason: fmt.Sprintf("must be %d", i+1)}
		}
		if op.EventType == model.EventFlowContext && !isStructured(op.Value) {
			return &MarkError{Field: fmt.Sprintf("operationList[%d].value", i), Reason: "flow_context value must be an object"}
		}
	}
	for i, a := range m.AnswerList {
		if a.Code != i+1 {
			return &MarkError{Field: fmt.Sprintf("answerList[%d].code", i), Reason: fmt.Sprintf("must be %d", i+1)}
		}
	}
	return nil
}

func isStructured(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val == ""
	case map[string]any:
		return true
	default:
		raw, err := json.Marshal(val)
		return err == nil && len(raw) > 0 && raw[0] == '{'
	}
}
