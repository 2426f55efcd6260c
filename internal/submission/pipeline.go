// Package submission ships a page's mark to the backend with bounded
// retries and is the only place failures are classified.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/observability"
	"github.com/stemsi/exstem-runner/internal/validator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	codeSuccess        = 200
	codeSessionExpired = 401
)

// DefaultDelays is the backoff table; its length is the attempt cap.
var DefaultDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ExpiryHandler reacts to a session-expired outcome: purge local state,
// tell the user, send them back to login.
type ExpiryHandler interface {
	HandleSessionExpired(ctx context.Context, cause error)
}

// ExpiryHandlerFunc adapts a function to ExpiryHandler.
type ExpiryHandlerFunc func(ctx context.Context, cause error)

func (f ExpiryHandlerFunc) HandleSessionExpired(ctx context.Context, cause error) { f(ctx, cause) }

// Result is the success half of a submission.
type Result struct {
	Attempts int
	Response Response
	Mark     model.MarkPayload
}

// Pipeline is safe for concurrent use; it holds no per-submission state.
type Pipeline struct {
	submitter Submitter
	expiry    ExpiryHandler
	clock     clock.Clock
	delays    []time.Duration
	validate  func(model.MarkPayload) error
	tracer    trace.Tracer
	log       zerolog.Logger
}

// NewPipeline wires a pipeline. delays defaults to DefaultDelays; expiry
// may be nil.
func NewPipeline(submitter Submitter, expiry ExpiryHandler, clk clock.Clock, delays []time.Duration, log zerolog.Logger) *Pipeline {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Pipeline{
		submitter: submitter,
		expiry:    expiry,
		clock:     clk,
		delays:    append([]time.Duration(nil), delays...),
		validate:  validator.ValidateMark,
		tracer:    otel.Tracer("github.com/stemsi/exstem-runner/internal/submission"),
		log:       log.With().Str("component", "submission").Logger(),
	}
}

// MaxAttempts is the attempt cap.
func (p *Pipeline) MaxAttempts() int { return len(p.delays) }

// Submit sends mark on behalf of user. When flow is non-nil a flow_context
// operation is injected and the page description is prefixed.
//
// Transport and business failures are retried, sleeping delays[i] after
// attempt i+1. A 401 (business code or HTTP status) stops immediately and
// runs the expiry handler once. The returned error is always *Error.
func (p *Pipeline) Submit(ctx context.Context, mark model.MarkPayload, user model.UserContext, flow *model.FlowContext) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "submission.submit", trace.WithAttributes(
		attribute.String("mark.page_number", mark.PageNumber),
	))
	defer span.End()

	if !user.Valid() {
		err := &Error{Kind: KindMissingIdentity, Message: "batch code and exam number are required"}
		span.SetStatus(codes.Error, string(err.Kind))
		return nil, err
	}

	mark = mark.Normalized()
	if flow != nil {
		mark = InjectFlowContext(mark, flow, p.clock.Now())
	}

	if err := p.validate(mark); err != nil {
		p.log.Debug().Err(err).Str("page_number", mark.PageNumber).Msg("Mark rejected before submission")
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindValidation))
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	req := Request{BatchCode: user.BatchCode, ExamNo: user.ExamNo, Mark: mark}
	total := len(p.delays)
	start := time.Now()
	var last *Error

	for i := 0; i < total; i++ {
		attempt := i + 1
		p.log.Info().
			Int("attempt", attempt).
			Int("total", total).
			Str("page_number", mark.PageNumber).
			Str("page_desc", mark.PageDesc).
			Msg("Submitting page mark")

		resp, err := p.attempt(ctx, req, attempt)
		outcome := classify(resp, err)
		observability.SubmissionAttempts().WithLabelValues(outcome).Inc()

		switch outcome {
		case "success":
			observability.SubmissionLatency().WithLabelValues("success").Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("submission.attempts", attempt))
			return &Result{Attempts: attempt, Response: resp, Mark: mark}, nil

		case "session_expired":
			failure := &Error{Kind: KindSessionExpired, Code: codeSessionExpired, Message: resp.Msg, Attempts: attempt, Err: expiredCause(resp, err)}
			p.log.Error().Int("attempt", attempt).Str("page_number", mark.PageNumber).Msg("Session expired, aborting retries")
			observability.SubmissionLatency().WithLabelValues("session_expired").Observe(time.Since(start).Seconds())
			span.SetStatus(codes.Error, string(KindSessionExpired))
			if p.expiry != nil {
				p.expiry.HandleSessionExpired(ctx, failure)
			}
			return nil, failure

		case "business_error":
			last = &Error{Kind: KindBusiness, Code: resp.Code, Message: resp.Msg, Attempts: attempt,
				Err: errors.New("backend rejected mark with code " + strconv.Itoa(resp.Code))}

		default:
			last = &Error{Kind: KindTransport, Attempts: attempt, Err: err}
		}

		isLast := attempt == total
		p.log.Warn().
			Err(last).
			Int("attempt", attempt).
			Bool("is_last_attempt", isLast).
			Str("page_number", mark.PageNumber).
			Msg("Page mark submission failed")
		if isLast {
			break
		}

		if err := p.clock.Sleep(ctx, p.delays[i]); err != nil {
			last = &Error{Kind: KindTransport, Attempts: attempt, Err: err}
			break
		}
	}

	observability.SubmissionLatency().WithLabelValues("failed").Observe(time.Since(start).Seconds())
	span.RecordError(last)
	span.SetStatus(codes.Error, string(last.Kind))
	return nil, last
}

func (p *Pipeline) attempt(ctx context.Context, req Request, attempt int) (Response, error) {
	ctx, span := p.tracer.Start(ctx, "submission.attempt", trace.WithAttributes(
		attribute.Int("submission.attempt", attempt),
	))
	defer span.End()

	resp, err := p.submitter.SubmitMark(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

func classify(resp Response, err error) string {
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == codeSessionExpired {
			return "session_expired"
		}
		return "network_error"
	}
	switch resp.Code {
	case 0, codeSuccess:
		return "success"
	case codeSessionExpired:
		return "session_expired"
	default:
		return "business_error"
	}
}

func expiredCause(resp Response, err error) error {
	if err != nil {
		return errors.Join(ErrSessionExpired, err)
	}
	if resp.Msg != "" {
		return errors.Join(ErrSessionExpired, errors.New(resp.Msg))
	}
	return ErrSessionExpired
}

// InjectFlowContext makes mark carry exactly one structured flow_context
// operation and prefixes its page description with the flow locator.
// An existing flow_context entry keeps its position; its value is parsed
// or rebuilt when not already an object.
func InjectFlowContext(mark model.MarkPayload, flow *model.FlowContext, now time.Time) model.MarkPayload {
	ops := append([]model.Operation(nil), mark.OperationList...)

	found := false
	maxCode := 0
	for i := range ops {
		if ops[i].Code > maxCode {
			maxCode = ops[i].Code
		}
		if found || ops[i].EventType != model.EventFlowContext {
			continue
		}
		found = true
		ops[i].Value = normalizeFlowValue(ops[i].Value, flow)
		if ops[i].PageID == "" {
			ops[i].PageID = flow.PageID
		}
	}

	if !found {
		ops = append(ops, model.Operation{
			Code:          maxCode + 1,
			TargetElement: "flow_context",
			EventType:     model.EventFlowContext,
			Value:         flow.Value(),
			Time:          model.FormatTimestamp(now),
			PageID:        flow.PageID,
		})
	}

	mark.OperationList = ops
	mark.PageDesc = model.EnhancePageDesc(mark.PageDesc, flow)
	return mark
}

func normalizeFlowValue(v any, flow *model.FlowContext) any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case string:
		var parsed map[string]any
		if json.Unmarshal([]byte(val), &parsed) == nil && parsed != nil {
			return parsed
		}
	}
	return flow.Value()
}
