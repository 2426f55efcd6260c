package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/navigation"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewFake(time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC))
	return NewPublisher(rdb, "runner:test:events", clk, zerolog.Nop())
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestSubscriberReceivesTimerEvents(t *testing.T) {
	p := newTestPublisher(t)
	sub, err := p.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	p.TimerTicked(model.TimerSnapshot{Scope: model.ScopeTask, Status: model.TimerRunning, Remaining: 42})
	p.TimerExpired(model.TimerSnapshot{Scope: model.ScopeTask, Status: model.TimerExpired})

	ev := next(t, sub)
	require.Equal(t, TypeTimerTick, ev.Type)
	require.Equal(t, 42, ev.Timer.Remaining)
	require.NotZero(t, ev.At)

	ev = next(t, sub)
	require.Equal(t, TypeTimerExpired, ev.Type)
	require.Equal(t, model.TimerExpired, ev.Timer.Status)
}

func TestSubscriberReceivesNavigationAndExpiry(t *testing.T) {
	p := newTestPublisher(t)
	sub, err := p.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	p.Navigated(model.Session{PageNumber: "3", StepNumber: 2}, navigation.Outcome{
		Status: navigation.StatusNavigated, From: "Page_02_Introduction", To: "Page_03_Dialogue_Question", Submitted: true,
	})
	p.SessionExpired("/login", "session expired")

	ev := next(t, sub)
	require.Equal(t, TypeNavigated, ev.Type)
	require.Equal(t, "Page_03_Dialogue_Question", ev.Navigation.To)
	require.Equal(t, "3", ev.Navigation.PageNumber)

	ev = next(t, sub)
	require.Equal(t, TypeSessionExpired, ev.Type)
	require.Equal(t, "/login", ev.RedirectURL)
}

func TestCloseEndsSubscription(t *testing.T) {
	p := newTestPublisher(t)
	sub, err := p.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}
