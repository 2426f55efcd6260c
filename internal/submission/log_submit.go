package submission

import (
	"context"
	"time"

	"github.com/stemsi/exstem-runner/internal/model"
)

// LogSource is the live operation log a page's mark is built from.
type LogSource interface {
	FlushAndClear(ctx context.Context) ([]model.Operation, []model.Answer)
	Requeue(ctx context.Context, ops []model.Operation, answers []model.Answer)
}

// PageMark describes the page being left.
type PageMark struct {
	Info      model.PageInfo
	EnteredAt time.Time
	// Exit, when set, is appended to the submitted copy only.
	Exit *model.Operation
}

// SubmitLog flushes src, builds the page's mark and submits it. On any
// failure other than session expiry the flushed entries go back to src so
// the next attempt resubmits them.
func (p *Pipeline) SubmitLog(ctx context.Context, src LogSource, page PageMark, user model.UserContext, flow *model.FlowContext) (*Result, error) {
	ops, answers := src.FlushAndClear(ctx)
	now := p.clock.Now()

	submitted := append([]model.Operation(nil), ops...)
	if page.Exit != nil {
		exit := *page.Exit
		exit.Code = len(submitted) + 1
		if exit.Time == "" {
			exit.Time = model.FormatTimestamp(now)
		}
		if exit.PageID == "" {
			exit.PageID = page.Info.ID
		}
		submitted = append(submitted, exit)
	}

	begin := page.EnteredAt
	if begin.IsZero() {
		begin = now
	}
	mark := model.NewMark(model.MarkInput{
		PageNumber: page.Info.Number,
		PageDesc:   page.Info.Desc,
		Operations: submitted,
		Answers:    answers,
		BeginTime:  begin,
		EndTime:    now,
	})

	res, err := p.Submit(ctx, mark, user, flow)
	if err != nil && KindOf(err) != KindSessionExpired {
		src.Requeue(ctx, ops, answers)
	}
	return res, err
}
