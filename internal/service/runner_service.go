package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/navigation"
	"github.com/stemsi/exstem-runner/internal/oplog"
	"github.com/stemsi/exstem-runner/internal/session"
	"github.com/stemsi/exstem-runner/internal/submission"
	"github.com/stemsi/exstem-runner/internal/timer"
)

// Runner errors.
var (
	ErrNotAuthenticated = errors.New("runner: no active session")
	ErrSessionMismatch  = errors.New("runner: token does not belong to the active session")
)

// Notifier is told when the session is torn down by an expired login.
type Notifier interface {
	SessionExpired(redirectURL, reason string)
}

// RunnerOptions configures a RunnerService.
type RunnerOptions struct {
	Submitter      submission.Submitter
	RetryDelays    []time.Duration
	DedupWindow    time.Duration
	ScopeDurations map[string]time.Duration
	LoginEntryURL  string
	FlowID         string
}

// RunnerService composes the session store, timer engine, operation log,
// submission pipeline and navigation gate for the one session this process
// serves.
type RunnerService struct {
	store    *session.Store
	engine   *timer.Engine
	oplog    *oplog.Log
	pipeline *submission.Pipeline
	gate     *navigation.Gate
	catalog  *model.Catalog
	notifier Notifier
	clock    clock.Clock
	log      zerolog.Logger

	loginEntryURL string
	flowID        string

	// timerStarts starts a scope on entering a page; timerStops pauses one.
	timerStarts map[string]string
	timerStops  map[string]string

	forced sync.WaitGroup

	// liveMu orders liveness writes against teardown, so nothing is written
	// back after a purge.
	liveMu sync.Mutex
}

// NewRunnerService wires the core. notifier may be nil.
func NewRunnerService(store *session.Store, catalog *model.Catalog, notifier Notifier, clk clock.Clock, opts RunnerOptions, log zerolog.Logger) *RunnerService {
	s := &RunnerService{
		store:         store,
		catalog:       catalog,
		notifier:      notifier,
		clock:         clk,
		log:           log.With().Str("component", "runner").Logger(),
		loginEntryURL: opts.LoginEntryURL,
		flowID:        opts.FlowID,
		timerStarts: map[string]string{
			"Page_02_Introduction":  model.ScopeTask,
			model.PageQuestionnaire: model.ScopeQuestionnaire,
		},
		timerStops: map[string]string{
			model.PageTaskCompletion: model.ScopeTask,
			model.PageEffortSubmit:   model.ScopeQuestionnaire,
		},
	}
	if s.loginEntryURL == "" {
		s.loginEntryURL = "/"
	}

	s.engine = timer.NewEngine(store, clk, opts.ScopeDurations, log)
	s.oplog = oplog.New(clk, opts.DedupWindow, store, log)
	s.pipeline = submission.NewPipeline(opts.Submitter, s, clk, opts.RetryDelays, log)
	s.gate = navigation.NewGate(s.pipeline, store, s.oplog, catalog, clk, log)

	s.engine.OnTimeout(model.ScopeTask, s.forceAdvanceTo(model.PageTaskCompletion))
	s.engine.OnTimeout(model.ScopeQuestionnaire, s.forceAdvanceTo(model.PageEffortSubmit))
	return s
}

// SetListeners attaches event listeners to the timer engine and the gate.
func (s *RunnerService) SetListeners(t timer.Listener, n navigation.Listener) {
	if t != nil {
		s.engine.SetListener(t)
	}
	if n != nil {
		s.gate.SetListener(n)
	}
}

// Restore resumes whatever session the durable store holds, if any.
func (s *RunnerService) Restore(ctx context.Context) (*model.Session, error) {
	sess, err := s.store.Load(ctx, "")
	if err != nil {
		return nil, err
	}
	if sess == nil {
		s.log.Info().Msg("No persisted session to restore")
		return nil, nil
	}
	if err := s.resume(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Login starts or resumes the session for req. The same exam number resumes
// the persisted session; anything else purges it and starts fresh on the
// page the backend reports, or the precautions page.
func (s *RunnerService) Login(ctx context.Context, req model.LoginRequest) (*model.Session, error) {
	s.engine.Forget()

	sess, err := s.store.Load(ctx, req.ExamNo)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if err := s.resume(ctx, sess); err != nil {
			return nil, err
		}
		s.log.Info().Str("session_id", sess.ID).Str("page_id", sess.CurrentPageID).Msg("Session resumed")
		return sess, nil
	}

	page := model.PagePrecautions
	if req.PageNumber != "" {
		page = s.catalog.ResumeTarget(req.PageNumber)
	}
	info, _ := s.catalog.Lookup(page)
	now := s.clock.Now()
	sess = &model.Session{
		ID:            uuid.New().String(),
		BatchCode:     req.BatchCode,
		ExamNo:        req.ExamNo,
		ModuleURL:     req.ModuleURL,
		User:          req.User,
		CurrentPageID: page,
		PageNumber:    info.Number,
		StepNumber:    info.StepNumber,
		PageEnteredAt: now,
	}
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.store.RecordLiveness(ctx, now); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record liveness")
	}
	s.oplog.Reset(ctx, page)
	s.gate.Bind(sess)
	s.enterPage(ctx, page)

	s.log.Info().
		Str("session_id", sess.ID).
		Str("exam_no", sess.ExamNo).
		Str("page_id", page).
		Msg("Session started")
	return sess, nil
}

// resume binds sess before recovering timers, so a timeout fired during
// recovery finds a session to move.
func (s *RunnerService) resume(ctx context.Context, sess *model.Session) error {
	if err := s.oplog.Restore(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Operation buffer not restored")
	}
	if s.oplog.PageID() != sess.CurrentPageID {
		s.oplog.Reset(ctx, sess.CurrentPageID)
	}
	s.gate.Bind(sess)

	if _, err := s.engine.RecoverAll(ctx); err != nil {
		s.log.Error().Err(err).Msg("Timer recovery incomplete")
	}
	if err := s.store.RecordLiveness(ctx, s.clock.Now()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record liveness")
	}

	// A task that already ended must not resume on a task page.
	if (sess.TimeUp || sess.TaskFinished) && s.catalog.Precedes(sess.CurrentPageID, model.PageTaskCompletion) {
		s.log.Warn().
			Str("page_id", sess.CurrentPageID).
			Bool("time_up", sess.TimeUp).
			Bool("task_finished", sess.TaskFinished).
			Msg("Task already over, moving to completion page")
		s.forceAdvanceTo(model.PageTaskCompletion)(ctx, model.ScopeTask)
	}
	return nil
}

// Logout purges all persisted state and stops every timer.
func (s *RunnerService) Logout(ctx context.Context) error {
	if err := s.teardownAndPurge(ctx); err != nil {
		return err
	}
	s.log.Info().Msg("Logged out")
	return nil
}

// HandleSessionExpired runs once per expired submission: it purges the
// store, drops in-memory state and tells clients to log in again.
func (s *RunnerService) HandleSessionExpired(ctx context.Context, cause error) {
	if err := s.teardownAndPurge(ctx); err != nil {
		s.log.Error().Err(err).Msg("Purge after session expiry failed")
	}
	s.log.Warn().Err(cause).Str("redirect", s.loginEntryURL).Msg("Login session expired")
	if s.notifier != nil {
		reason := "session expired"
		if cause != nil {
			reason = cause.Error()
		}
		s.notifier.SessionExpired(s.loginEntryURL, reason)
	}
}

func (s *RunnerService) teardownAndPurge(ctx context.Context) error {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	s.engine.Forget()
	s.gate.Unbind()
	s.oplog.Reset(ctx, "")
	return s.store.PurgeAll(ctx)
}

// Session returns the bound session.
func (s *RunnerService) Session() (model.Session, error) {
	sess, ok := s.gate.Session()
	if !ok {
		return model.Session{}, ErrNotAuthenticated
	}
	return sess, nil
}

// Authorize checks that sessionID is the bound session.
func (s *RunnerService) Authorize(sessionID string) error {
	sess, err := s.Session()
	if err != nil {
		return err
	}
	if sess.ID != sessionID {
		return ErrSessionMismatch
	}
	return nil
}

// RecordOperation logs op on the current page.
func (s *RunnerService) RecordOperation(ctx context.Context, op model.Operation) (bool, error) {
	if _, err := s.Session(); err != nil {
		return false, err
	}
	return s.oplog.Append(ctx, op), nil
}

// CollectAnswer upserts an answer on the current page.
func (s *RunnerService) CollectAnswer(ctx context.Context, a model.Answer) error {
	if _, err := s.Session(); err != nil {
		return err
	}
	s.oplog.CollectAnswer(ctx, a)
	return nil
}

// PendingLog returns the unflushed operations and answers.
func (s *RunnerService) PendingLog() ([]model.Operation, []model.Answer) {
	return s.oplog.Snapshot()
}

// Advance navigates through the gate and applies page-entry timer rules.
func (s *RunnerService) Advance(ctx context.Context, next string, opts navigation.AdvanceOptions) navigation.Outcome {
	if _, err := s.Session(); err != nil {
		return navigation.Outcome{Status: navigation.StatusFailed, To: next, Err: err}
	}
	out := s.gate.Advance(ctx, next, opts)
	if out.Status == navigation.StatusNavigated {
		s.enterPage(ctx, next)
	}
	return out
}

// Next returns the page after the current one.
func (s *RunnerService) Next() (string, bool) {
	sess, ok := s.gate.Session()
	if !ok {
		return "", false
	}
	return s.catalog.Next(sess.CurrentPageID)
}

func (s *RunnerService) enterPage(ctx context.Context, page string) {
	if scope, ok := s.timerStops[page]; ok {
		if _, err := s.engine.Pause(ctx, scope); err != nil && !errors.Is(err, timer.ErrNotRunning) {
			s.log.Warn().Err(err).Str("scope", scope).Msg("Failed to stop timer on page entry")
		}
	}
	if scope, ok := s.timerStarts[page]; ok {
		if _, err := s.engine.Start(ctx, scope, 0); err != nil {
			s.log.Warn().Err(err).Str("scope", scope).Str("page_id", page).Msg("Timer not started on page entry")
		}
	}
}

func (s *RunnerService) forceAdvanceTo(target string) timer.TimeoutFunc {
	return func(ctx context.Context, scope string) {
		s.forced.Add(1)
		go func() {
			defer s.forced.Done()
			ctx := context.WithoutCancel(ctx)
			out := s.gate.ForceAdvance(ctx, target, scope)
			if out.Status == navigation.StatusNavigated {
				s.enterPage(ctx, target)
			}
			s.log.Info().
				Str("scope", scope).
				Str("target", target).
				Str("status", string(out.Status)).
				Msg("Timeout navigation finished")
		}()
	}
}

// WaitForced blocks until timeout-driven navigations, and the background
// resubmissions they started, have finished.
func (s *RunnerService) WaitForced() {
	s.forced.Wait()
	s.gate.Wait()
}

// ─── Timers ─────────────────────────────────────────────────────────────

func (s *RunnerService) StartTimer(ctx context.Context, scope string, durationSeconds int) (model.TimerSnapshot, error) {
	if _, err := s.Session(); err != nil {
		return model.TimerSnapshot{}, err
	}
	return s.engine.Start(ctx, scope, durationSeconds)
}

func (s *RunnerService) PauseTimer(ctx context.Context, scope string) (model.TimerSnapshot, error) {
	if _, err := s.Session(); err != nil {
		return model.TimerSnapshot{}, err
	}
	return s.engine.Pause(ctx, scope)
}

func (s *RunnerService) ResumeTimer(ctx context.Context, scope string) (model.TimerSnapshot, error) {
	if _, err := s.Session(); err != nil {
		return model.TimerSnapshot{}, err
	}
	return s.engine.Resume(ctx, scope)
}

func (s *RunnerService) ResetTimer(ctx context.Context, scope string) (model.TimerSnapshot, error) {
	if _, err := s.Session(); err != nil {
		return model.TimerSnapshot{}, err
	}
	if !s.knownScope(scope) {
		return model.TimerSnapshot{}, fmt.Errorf("%w: %s", timer.ErrUnknownScope, scope)
	}
	if err := s.engine.Reset(ctx, scope); err != nil {
		return model.TimerSnapshot{}, err
	}
	return s.engine.Snapshot(scope), nil
}

func (s *RunnerService) Timer(scope string) (model.TimerSnapshot, error) {
	if !s.knownScope(scope) {
		return model.TimerSnapshot{}, fmt.Errorf("%w: %s", timer.ErrUnknownScope, scope)
	}
	return s.engine.Snapshot(scope), nil
}

func (s *RunnerService) Timers() []model.TimerSnapshot { return s.engine.Snapshots() }

func (s *RunnerService) knownScope(scope string) bool {
	for _, sc := range s.engine.Scopes() {
		if sc == scope {
			return true
		}
	}
	return false
}

// Tick drives the timer engine. Liveness is recorded for a bound session
// even when no timer is active.
func (s *RunnerService) Tick(ctx context.Context) error {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	err := s.engine.Tick(ctx)
	if _, bound := s.gate.Session(); bound && !s.engine.Active() {
		err = errors.Join(err, s.store.RecordLiveness(ctx, s.clock.Now()))
	}
	return err
}

// RecordLiveness stores a final liveness timestamp, used on shutdown.
func (s *RunnerService) RecordLiveness(ctx context.Context) error {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	if _, bound := s.gate.Session(); !bound {
		return nil
	}
	return s.store.RecordLiveness(ctx, s.clock.Now())
}

// Heartbeat builds the current progress report. ok is false without a flow
// id or a bound session.
func (s *RunnerService) Heartbeat() (model.Heartbeat, bool) {
	sess, bound := s.gate.Session()
	if !bound || s.flowID == "" {
		return model.Heartbeat{}, false
	}
	return model.Heartbeat{
		FlowID:        s.flowID,
		ExamNo:        sess.ExamNo,
		BatchCode:     sess.BatchCode,
		StepIndex:     sess.StepNumber,
		ModulePageNum: sess.PageNumber,
		TS:            s.clock.Now().UnixMilli(),
	}, true
}
