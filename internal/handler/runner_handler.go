package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/navigation"
	"github.com/stemsi/exstem-runner/internal/response"
	"github.com/stemsi/exstem-runner/internal/service"
	"github.com/stemsi/exstem-runner/internal/submission"
	"github.com/stemsi/exstem-runner/internal/validator"
)

// RunnerHandler exposes the session, operation log and navigation.
type RunnerHandler struct {
	runner *service.RunnerService
	tokens *service.TokenService
	log    zerolog.Logger
}

// NewRunnerHandler creates a new RunnerHandler.
func NewRunnerHandler(runner *service.RunnerService, tokens *service.TokenService, log zerolog.Logger) *RunnerHandler {
	return &RunnerHandler{
		runner: runner,
		tokens: tokens,
		log:    log.With().Str("component", "runner_handler").Logger(),
	}
}

type recordOperationRequest struct {
	TargetElement string `json:"target_element" binding:"max=256"`
	EventType     string `json:"event_type" binding:"required,max=64"`
	Value         any    `json:"value"`
	PageID        string `json:"page_id" binding:"omitempty,max=128"`
}

type collectAnswerRequest struct {
	TargetElement string `json:"target_element" binding:"required,max=256"`
	Value         string `json:"value" binding:"max=10000"`
}

type advanceRequest struct {
	// NextPageID defaults to the page after the current one.
	NextPageID     string             `json:"next_page_id" binding:"omitempty,max=128"`
	SkipSubmit     bool               `json:"skip_submit"`
	FromOwnControl bool               `json:"from_own_control"`
	Flow           *model.FlowContext `json:"flow"`
}

// Login godoc
// POST /api/v1/session/login
// Starts a session, or resumes the persisted one for the same exam number.
func (h *RunnerHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.runner.Login(c.Request.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Str("exam_no", req.ExamNo).Msg("Login failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	token, err := h.tokens.GenerateToken(sess)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"token":   token,
		"session": sess,
		"timers":  h.runner.Timers(),
	})
}

// Logout godoc
// POST /api/v1/session/logout
// Purges every persisted key and stops all timers.
func (h *RunnerHandler) Logout(c *gin.Context) {
	if err := h.runner.Logout(c.Request.Context()); err != nil {
		h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg("Logout purge failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// GetSession godoc
// GET /api/v1/session
// Returns the session, its timers and the unflushed log of the current page.
func (h *RunnerHandler) GetSession(c *gin.Context) {
	sess, err := h.runner.Session()
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrNoActiveSession)
		return
	}
	ops, answers := h.runner.PendingLog()

	response.Success(c, http.StatusOK, gin.H{
		"session": sess,
		"timers":  h.runner.Timers(),
		"pending": gin.H{
			"operations": ops,
			"answers":    answers,
		},
	})
}

// RecordOperation godoc
// POST /api/v1/operations
// Logs one interaction on the current page. accepted is false for
// duplicates and unrecognized event types.
func (h *RunnerHandler) RecordOperation(c *gin.Context) {
	var req recordOperationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	accepted, err := h.runner.RecordOperation(c.Request.Context(), model.Operation{
		TargetElement: req.TargetElement,
		EventType:     model.EventType(req.EventType),
		Value:         req.Value,
		PageID:        req.PageID,
	})
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrNoActiveSession)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"accepted": accepted})
}

// CollectAnswer godoc
// POST /api/v1/answers
// Upserts the answer for a target on the current page.
func (h *RunnerHandler) CollectAnswer(c *gin.Context) {
	var req collectAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.runner.CollectAnswer(c.Request.Context(), model.Answer{
		TargetElement: req.TargetElement,
		Value:         req.Value,
	}); err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrNoActiveSession)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"saved": true})
}

// Advance godoc
// POST /api/v1/navigation/advance
// Submits the current page and moves to the requested one.
func (h *RunnerHandler) Advance(c *gin.Context) {
	var req advanceRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	next := req.NextPageID
	if next == "" {
		var ok bool
		if next, ok = h.runner.Next(); !ok {
			response.Fail(c, http.StatusConflict, response.ErrNoNextPage)
			return
		}
	}

	out := h.runner.Advance(c.Request.Context(), next, navigation.AdvanceOptions{
		SkipSubmit:     req.SkipSubmit,
		FromOwnControl: req.FromOwnControl,
		Flow:           req.Flow,
	})
	writeOutcome(c, out)
}

func writeOutcome(c *gin.Context, out navigation.Outcome) {
	switch out.Status {
	case navigation.StatusNavigated, navigation.StatusUnchanged:
		response.Success(c, http.StatusOK, out)
	case navigation.StatusSuppressed:
		response.Fail(c, http.StatusConflict, response.ErrSubmissionSuppressed)
	case navigation.StatusRejected:
		response.Fail(c, http.StatusConflict, response.ErrNavigationInFlight)
	case navigation.StatusSessionExpired:
		response.Fail(c, http.StatusUnauthorized, response.ErrSessionExpired)
	default:
		writeNavigationError(c, out)
	}
}

func writeNavigationError(c *gin.Context, out navigation.Outcome) {
	switch {
	case errors.Is(out.Err, navigation.ErrUnknownPage):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownPage)
		return
	case errors.Is(out.Err, service.ErrNotAuthenticated), errors.Is(out.Err, navigation.ErrNoSession):
		response.Fail(c, http.StatusUnauthorized, response.ErrNoActiveSession)
		return
	}

	var se *submission.Error
	if !errors.As(out.Err, &se) {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if se.Kind == submission.KindValidation {
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrValidation, validator.TranslateErrors(se.Err))
		return
	}
	fields := map[string]string{"kind": string(se.Kind)}
	if se.Message != "" {
		fields["detail"] = se.Message
	}
	response.FailWithFields(c, http.StatusBadGateway, response.ErrSubmissionFailed, fields)
}
