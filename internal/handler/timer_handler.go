package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/response"
	"github.com/stemsi/exstem-runner/internal/service"
	"github.com/stemsi/exstem-runner/internal/timer"
	"github.com/stemsi/exstem-runner/internal/validator"
)

// TimerHandler exposes the countdown scopes.
type TimerHandler struct {
	runner *service.RunnerService
}

// NewTimerHandler creates a new TimerHandler.
func NewTimerHandler(runner *service.RunnerService) *TimerHandler {
	return &TimerHandler{runner: runner}
}

type startTimerRequest struct {
	DurationSeconds int `json:"duration_seconds" binding:"gte=0,lte=86400"`
}

// ListTimers godoc
// GET /api/v1/timers
func (h *TimerHandler) ListTimers(c *gin.Context) {
	response.Success(c, http.StatusOK, h.runner.Timers())
}

// GetTimer godoc
// GET /api/v1/timers/:scope
func (h *TimerHandler) GetTimer(c *gin.Context) {
	snap, err := h.runner.Timer(c.Param("scope"))
	if err != nil {
		writeTimerError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// StartTimer godoc
// POST /api/v1/timers/:scope/start
// An empty body uses the scope's default duration.
func (h *TimerHandler) StartTimer(c *gin.Context) {
	var req startTimerRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}
	snap, err := h.runner.StartTimer(c.Request.Context(), c.Param("scope"), req.DurationSeconds)
	h.write(c, snap, err)
}

// PauseTimer godoc
// POST /api/v1/timers/:scope/pause
func (h *TimerHandler) PauseTimer(c *gin.Context) {
	h.apply(c, h.runner.PauseTimer)
}

// ResumeTimer godoc
// POST /api/v1/timers/:scope/resume
func (h *TimerHandler) ResumeTimer(c *gin.Context) {
	h.apply(c, h.runner.ResumeTimer)
}

// ResetTimer godoc
// POST /api/v1/timers/:scope/reset
func (h *TimerHandler) ResetTimer(c *gin.Context) {
	h.apply(c, h.runner.ResetTimer)
}

func (h *TimerHandler) apply(c *gin.Context, fn func(ctx context.Context, scope string) (model.TimerSnapshot, error)) {
	snap, err := fn(c.Request.Context(), c.Param("scope"))
	h.write(c, snap, err)
}

func (h *TimerHandler) write(c *gin.Context, snap model.TimerSnapshot, err error) {
	if err != nil {
		writeTimerError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

func writeTimerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		response.Fail(c, http.StatusUnauthorized, response.ErrNoActiveSession)
	case errors.Is(err, timer.ErrUnknownScope):
		response.Fail(c, http.StatusNotFound, response.ErrUnknownScope)
	case errors.Is(err, timer.ErrTimerExpired):
		response.Fail(c, http.StatusConflict, response.ErrTimerExpired)
	case errors.Is(err, timer.ErrNotRunning):
		response.Fail(c, http.StatusConflict, response.ErrTimerNotRunning)
	case errors.Is(err, timer.ErrNotPaused):
		response.Fail(c, http.StatusConflict, response.ErrTimerNotPaused)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
