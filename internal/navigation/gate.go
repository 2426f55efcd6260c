// Package navigation moves a session between pages, submitting the page
// being left first. Progress only changes after that submission succeeds.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/observability"
	"github.com/stemsi/exstem-runner/internal/submission"
)

var (
	ErrNavigationInFlight = errors.New("navigation: another navigation is in flight")
	ErrNoSession          = errors.New("navigation: no active session")
	ErrUnknownPage        = errors.New("navigation: unknown target page")
)

// Status is the typed outcome of an advance request.
type Status string

const (
	StatusNavigated      Status = "navigated"
	StatusUnchanged      Status = "unchanged"
	StatusSuppressed     Status = "suppressed"
	StatusRejected       Status = "rejected"
	StatusFailed         Status = "failed"
	StatusSessionExpired Status = "session_expired"
)

// Outcome reports what an advance did. Err is set for rejected, failed and
// session_expired outcomes; for submission failures it is a
// *submission.Error. Deferred marks a forced move that went ahead after the
// page's submission failed; that page is resubmitted in the background.
type Outcome struct {
	Status    Status `json:"status"`
	From      string `json:"from_page_id"`
	To        string `json:"to_page_id"`
	Submitted bool   `json:"submitted"`
	Deferred  bool   `json:"deferred,omitempty"`
	Attempts  int    `json:"attempts"`
	Err       error  `json:"-"`
}

// OK reports whether the session is now on the requested page.
func (o Outcome) OK() bool {
	return o.Status == StatusNavigated || o.Status == StatusUnchanged
}

// AdvanceOptions tunes one advance.
type AdvanceOptions struct {
	// SkipSubmit moves without submitting the page being left.
	SkipSubmit bool
	// FromOwnControl marks a request made by the current page's own
	// submit control; required to leave submission-guarded pages.
	FromOwnControl bool
	// Forced marks a timer-driven advance.
	Forced bool
	Flow   *model.FlowContext
}

// Submitter is the pipeline entry the gate uses.
type Submitter interface {
	SubmitLog(ctx context.Context, src submission.LogSource, page submission.PageMark, user model.UserContext, flow *model.FlowContext) (*submission.Result, error)
}

// ProgressStore persists progress after a successful submission.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, p model.Progress) error
	MarkTimeUp(ctx context.Context) error
}

// Log is the live operation log of the current page.
type Log interface {
	submission.LogSource
	Append(ctx context.Context, op model.Operation) bool
	Reset(ctx context.Context, pageID string)
}

// Listener observes completed navigations, outside the gate's lock.
type Listener interface {
	Navigated(sess model.Session, out Outcome)
}

// Gate is safe for concurrent use. At most one advance runs at a time.
type Gate struct {
	mu       sync.Mutex
	inFlight chan struct{}
	session  *model.Session
	listener Listener

	submitter Submitter
	store     ProgressStore
	oplog     Log
	catalog   *model.Catalog
	guarded   map[string]struct{}
	clock     clock.Clock
	log       zerolog.Logger

	deferred sync.WaitGroup
}

// NewGate creates a gate. The task-completion page is submission-guarded.
func NewGate(submitter Submitter, store ProgressStore, oplog Log, catalog *model.Catalog, clk clock.Clock, log zerolog.Logger) *Gate {
	return &Gate{
		submitter: submitter,
		store:     store,
		oplog:     oplog,
		catalog:   catalog,
		guarded:   map[string]struct{}{model.PageTaskCompletion: {}},
		clock:     clk,
		log:       log.With().Str("component", "navigation").Logger(),
	}
}

func (g *Gate) SetListener(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listener = l
}

// Bind attaches the gate to a loaded or freshly created session.
func (g *Gate) Bind(sess *model.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sess == nil {
		g.session = nil
		return
	}
	cp := *sess
	g.session = &cp
}

// Unbind detaches the current session.
func (g *Gate) Unbind() { g.Bind(nil) }

// Session returns a copy of the bound session.
func (g *Gate) Session() (model.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return model.Session{}, false
	}
	return *g.session, true
}

// Busy reports whether an advance is in flight.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight != nil
}

// Advance moves the session to next. Unless skipped or leaving a bootstrap
// page, the current page's log is submitted first and the move happens only
// if that succeeds. A concurrent call is rejected, not queued. Leaving a
// guarded page without FromOwnControl is suppressed.
func (g *Gate) Advance(ctx context.Context, next string, opts AdvanceOptions) Outcome {
	sess, release, ok := g.acquire()
	if !ok {
		out := Outcome{Status: StatusRejected, To: next, Err: ErrNavigationInFlight}
		g.log.Warn().Str("to", next).Msg("Navigation rejected, another is in flight")
		return g.finish(out, nil)
	}
	defer release()

	out := g.advanceLocked(ctx, sess, next, opts)
	return g.finish(out, sess)
}

// ForceAdvance is the timer-driven path: it waits for any in-flight
// navigation, logs a timer_stop operation, raises the time-up flag and then
// advances to next. The page is still submitted first, but only session
// expiry keeps the session where it is.
func (g *Gate) ForceAdvance(ctx context.Context, next, scope string) Outcome {
	for {
		if err := g.waitIdle(ctx); err != nil {
			return Outcome{Status: StatusFailed, To: next, Err: err}
		}

		sess, release, ok := g.acquire()
		if !ok {
			continue
		}
		if sess == nil {
			release()
			return g.finish(Outcome{Status: StatusFailed, To: next, Err: ErrNoSession}, nil)
		}

		opts := AdvanceOptions{Forced: true}
		if out, stop := g.precheck(sess, next, opts); stop {
			release()
			g.log.Warn().Str("scope", scope).Str("page_id", sess.CurrentPageID).Str("status", string(out.Status)).Msg("Timer expired, no navigation")
			return g.finish(out, sess)
		}

		g.oplog.Append(ctx, model.Operation{
			TargetElement: scope + "_timer",
			EventType:     model.EventTimerStop,
			Value:         "timeout",
			PageID:        sess.CurrentPageID,
		})
		if err := g.store.MarkTimeUp(ctx); err != nil {
			g.log.Error().Err(err).Str("scope", scope).Msg("Failed to persist time-up flag")
		}
		g.mu.Lock()
		if g.session != nil {
			g.session.TimeUp = true
		}
		g.mu.Unlock()
		sess.TimeUp = true

		g.log.Warn().Str("scope", scope).Str("from", sess.CurrentPageID).Str("to", next).Msg("Timer expired, forcing navigation")
		out := g.advanceLocked(ctx, sess, next, opts)
		release()
		return g.finish(out, sess)
	}
}

// Wait blocks until background resubmissions of force-left pages finish.
func (g *Gate) Wait() { g.deferred.Wait() }

// precheck settles the outcomes that need no submission: unknown targets,
// forced moves onto the current page and guarded pages.
func (g *Gate) precheck(sess *model.Session, next string, opts AdvanceOptions) (Outcome, bool) {
	current := sess.CurrentPageID
	out := Outcome{From: current, To: next}

	if _, known := g.catalog.Lookup(next); !known {
		out.Status, out.Err = StatusFailed, fmt.Errorf("%w: %s", ErrUnknownPage, next)
		return out, true
	}
	if opts.Forced && next == current {
		out.Status = StatusUnchanged
		return out, true
	}
	if _, guarded := g.guarded[current]; guarded && !opts.FromOwnControl {
		g.log.Warn().
			Str("page_id", current).
			Str("to", next).
			Bool("forced", opts.Forced).
			Msg("Automatic submission blocked on guarded page")
		out.Status = StatusSuppressed
		return out, true
	}
	return out, false
}

func (g *Gate) advanceLocked(ctx context.Context, sess *model.Session, next string, opts AdvanceOptions) Outcome {
	if sess == nil {
		return Outcome{Status: StatusFailed, To: next, Err: ErrNoSession}
	}
	out, stop := g.precheck(sess, next, opts)
	if stop {
		return out
	}
	current := sess.CurrentPageID

	if !opts.SkipSubmit && !model.IsBootstrap(current) {
		info, _ := g.catalog.Lookup(current)
		page := submission.PageMark{
			Info:      info,
			EnteredAt: sess.PageEnteredAt,
			Exit: &model.Operation{
				TargetElement: "page",
				EventType:     model.EventPageExit,
				Value:         "exit " + current,
			},
		}
		res, err := g.submitter.SubmitLog(ctx, g.oplog, page, sess.UserContext(), opts.Flow)
		switch {
		case err == nil:
			out.Submitted = true
			out.Attempts = res.Attempts
		case opts.Forced && submission.KindOf(err) != submission.KindSessionExpired:
			out.Attempts = attemptsOf(err)
			out.Deferred = true
			g.log.Error().Err(err).Str("page_id", current).Str("to", next).Msg("Submission failed on forced navigation, moving anyway")
			g.resubmitLater(ctx, page, sess.UserContext(), opts.Flow)
		default:
			out.Err = err
			out.Status = StatusFailed
			if submission.KindOf(err) == submission.KindSessionExpired {
				out.Status = StatusSessionExpired
			}
			out.Attempts = attemptsOf(err)
			return out
		}
	}

	info, _ := g.catalog.Lookup(next)
	now := g.clock.Now()
	progress := model.Progress{
		PageID:        next,
		PageNumber:    info.Number,
		StepNumber:    info.StepNumber,
		TaskFinished:  sess.TaskFinished || next == model.PageTaskCompletion,
		PageEnteredAt: now,
	}
	if err := g.store.UpdateProgress(ctx, progress); err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("persist progress: %w", err)
		return out
	}
	g.oplog.Reset(ctx, next)

	sess.CurrentPageID = progress.PageID
	sess.PageNumber = progress.PageNumber
	sess.StepNumber = progress.StepNumber
	sess.TaskFinished = progress.TaskFinished
	sess.PageEnteredAt = now

	g.mu.Lock()
	if g.session != nil && g.session.ID == sess.ID {
		*g.session = *sess
	}
	g.mu.Unlock()

	out.Status = StatusNavigated
	g.log.Info().
		Str("from", current).
		Str("to", next).
		Bool("submitted", out.Submitted).
		Bool("deferred", out.Deferred).
		Int("attempts", out.Attempts).
		Msg("Navigated")
	return out
}

// resubmitLater takes the requeued log of a page that was left without a
// successful submission and submits it again in the background.
func (g *Gate) resubmitLater(ctx context.Context, page submission.PageMark, user model.UserContext, flow *model.FlowContext) {
	ops, answers := g.oplog.FlushAndClear(ctx)
	src := &heldLog{ops: ops, answers: answers}
	ctx = context.WithoutCancel(ctx)

	g.deferred.Add(1)
	go func() {
		defer g.deferred.Done()
		res, err := g.submitter.SubmitLog(ctx, src, page, user, flow)
		if err != nil {
			lost, lostAnswers := src.FlushAndClear(ctx)
			g.log.Error().
				Err(err).
				Str("page_id", page.Info.ID).
				Int("operations", len(lost)).
				Int("answers", len(lostAnswers)).
				Msg("Resubmission of force-left page failed, log dropped")
			return
		}
		g.log.Info().Str("page_id", page.Info.ID).Int("attempts", res.Attempts).Msg("Force-left page resubmitted")
	}()
}

func attemptsOf(err error) int {
	var se *submission.Error
	if errors.As(err, &se) {
		return se.Attempts
	}
	return 0
}

// heldLog is a detached page log owned by one background resubmission.
type heldLog struct {
	mu      sync.Mutex
	ops     []model.Operation
	answers []model.Answer
}

func (h *heldLog) FlushAndClear(context.Context) ([]model.Operation, []model.Answer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ops, answers := h.ops, h.answers
	h.ops, h.answers = nil, nil
	return ops, answers
}

func (h *heldLog) Requeue(_ context.Context, ops []model.Operation, answers []model.Answer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = append(ops, h.ops...)
	h.answers = append(answers, h.answers...)
}

// acquire claims the in-flight flag and returns a copy of the session.
func (g *Gate) acquire() (*model.Session, func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight != nil {
		return nil, nil, false
	}
	done := make(chan struct{})
	g.inFlight = done

	var sess *model.Session
	if g.session != nil {
		cp := *g.session
		sess = &cp
	}
	release := func() {
		g.mu.Lock()
		g.inFlight = nil
		g.mu.Unlock()
		close(done)
	}
	return sess, release, true
}

func (g *Gate) waitIdle(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.inFlight
		g.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gate) finish(out Outcome, sess *model.Session) Outcome {
	observability.NavigationOutcomes().WithLabelValues(string(out.Status)).Inc()
	if out.Status != StatusNavigated || sess == nil {
		return out
	}
	g.mu.Lock()
	l := g.listener
	g.mu.Unlock()
	if l != nil {
		l.Navigated(*sess, out)
	}
	return out
}
