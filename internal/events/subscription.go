package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Subscription delivers decoded events until Close is called.
type Subscription struct {
	pubsub *redis.PubSub
	out    chan Event
	done   chan struct{}
}

// Subscribe opens a subscription on the events channel. The returned
// subscription is ready once Subscribe returns.
func (p *Publisher) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := p.rdb.Subscribe(ctx, p.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	s := &Subscription{pubsub: ps, out: make(chan Event, 16), done: make(chan struct{})}
	go func() {
		defer close(s.out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.log.Debug().Err(err).Msg("Undecodable event dropped")
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

// Events is closed after Close.
func (s *Subscription) Events() <-chan Event { return s.out }

func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}
