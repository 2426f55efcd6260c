// Package events fans runner notices out over Redis Pub/Sub so every
// WebSocket client of the agent sees timer ticks, expiries, navigations and
// session expiry.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/navigation"
)

// Type names an event on the wire.
type Type string

const (
	TypeTimerTick      Type = "timer_tick"
	TypeTimerExpired   Type = "timer_expired"
	TypeNavigated      Type = "navigated"
	TypeSessionExpired Type = "session_expired"
)

const publishTimeout = 2 * time.Second

// Event is the envelope published on the events channel.
type Event struct {
	Type        Type                 `json:"type"`
	At          int64                `json:"at"`
	Timer       *model.TimerSnapshot `json:"timer,omitempty"`
	Navigation  *Navigation          `json:"navigation,omitempty"`
	RedirectURL string               `json:"redirect_url,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

// Navigation describes a completed page change.
type Navigation struct {
	From       string `json:"from_page_id"`
	To         string `json:"to_page_id"`
	PageNumber string `json:"page_number"`
	StepNumber int    `json:"step_number"`
	Submitted  bool   `json:"submitted"`
}

// Publisher implements the timer and navigation listeners by publishing to
// the namespace's events channel. Publish failures are logged, never
// returned to the caller that triggered the event.
type Publisher struct {
	rdb     *redis.Client
	channel string
	clock   clock.Clock
	log     zerolog.Logger
}

func NewPublisher(rdb *redis.Client, channel string, clk clock.Clock, log zerolog.Logger) *Publisher {
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		clock:   clk,
		log:     log.With().Str("component", "events").Logger(),
	}
}

// Channel is the Pub/Sub channel events go to.
func (p *Publisher) Channel() string { return p.channel }

// Publish stamps ev and sends it.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At == 0 {
		ev.At = p.clock.Now().UnixMilli()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) TimerTicked(snap model.TimerSnapshot) {
	p.emit(Event{Type: TypeTimerTick, Timer: &snap})
}

func (p *Publisher) TimerExpired(snap model.TimerSnapshot) {
	p.emit(Event{Type: TypeTimerExpired, Timer: &snap})
}

func (p *Publisher) Navigated(sess model.Session, out navigation.Outcome) {
	p.emit(Event{Type: TypeNavigated, Navigation: &Navigation{
		From:       out.From,
		To:         out.To,
		PageNumber: sess.PageNumber,
		StepNumber: sess.StepNumber,
		Submitted:  out.Submitted,
	}})
}

// SessionExpired tells clients to return to the login entry point.
func (p *Publisher) SessionExpired(redirectURL, reason string) {
	p.emit(Event{Type: TypeSessionExpired, RedirectURL: redirectURL, Reason: reason})
}

func (p *Publisher) emit(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Event publish failed")
	}
}
