package submission

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/oplog"
	"github.com/stretchr/testify/require"
)

func TestSubmitLogRequeuesOnFailure(t *testing.T) {
	clk := clock.NewFake(t0)
	log := oplog.New(clk, time.Second, nil, zerolog.Nop())
	ctx := context.Background()
	log.Reset(ctx, "Page_02_Introduction")
	log.Append(ctx, model.Operation{TargetElement: "start", EventType: model.EventClick, Value: "go"})
	log.CollectAnswer(ctx, model.Answer{TargetElement: "q1", Value: "A"})

	sub := &scriptedSubmitter{steps: []step{
		{resp: Response{Code: 500}}, {resp: Response{Code: 500}}, {resp: Response{Code: 500}},
	}}
	p := NewPipeline(sub, nil, clk, nil, zerolog.Nop())
	page := PageMark{
		Info:      model.PageInfo{ID: "Page_02_Introduction", Number: "2", Desc: "Question 1"},
		EnteredAt: t0.Add(-time.Minute),
		Exit:      &model.Operation{TargetElement: "page", EventType: model.EventPageExit, Value: "exit Page_02_Introduction"},
	}

	_, err := p.SubmitLog(ctx, log, page, user, nil)
	require.Equal(t, KindBusiness, KindOf(err))

	sent := sub.calls[0].Mark
	require.Len(t, sent.OperationList, 2)
	require.Equal(t, model.EventPageExit, sent.OperationList[1].EventType)
	require.Equal(t, 2, sent.OperationList[1].Code)
	require.Equal(t, "2026-04-20 08:59:00", sent.BeginTime)

	ops, answers := log.Snapshot()
	require.Len(t, ops, 1)
	require.Equal(t, model.EventClick, ops[0].EventType)
	require.Len(t, answers, 1)

	// a retry by the caller resubmits the same entries, now succeeding
	res, err := p.SubmitLog(ctx, log, page, user, nil)
	require.NoError(t, err)
	require.Len(t, res.Mark.OperationList, 2)
	ops, _ = log.Snapshot()
	require.Empty(t, ops)
}

func TestSubmitLogDoesNotRequeueAfterExpiry(t *testing.T) {
	clk := clock.NewFake(t0)
	log := oplog.New(clk, time.Second, nil, zerolog.Nop())
	ctx := context.Background()
	log.Append(ctx, model.Operation{TargetElement: "start", EventType: model.EventClick})

	sub := &scriptedSubmitter{steps: []step{{resp: Response{Code: 401}}}}
	p := NewPipeline(sub, nil, clk, nil, zerolog.Nop())

	_, err := p.SubmitLog(ctx, log, PageMark{Info: model.PageInfo{ID: "Page_03", Number: "3", Desc: "Question 2"}}, user, nil)
	require.Equal(t, KindSessionExpired, KindOf(err))
	ops, _ := log.Snapshot()
	require.Empty(t, ops)
}
