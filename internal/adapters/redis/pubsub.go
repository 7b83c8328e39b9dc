package redis

import (
	"context"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
)

const subscriptionBuffer = 256

type subscription struct {
	ps  *goredis.PubSub
	out chan core.Message

	once sync.Once
	done chan struct{}
}

// Subscribe opens one pub/sub connection. Topics are added and removed on it
// as local interest changes.
func (s *Store) Subscribe(ctx context.Context) (core.Subscription, error) {
	ps := s.client.Subscribe(ctx)
	sub := &subscription{
		ps:   ps,
		out:  make(chan core.Message, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (sub *subscription) pump() {
	defer close(sub.out)
	for msg := range sub.ps.Channel() {
		select {
		case sub.out <- core.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-sub.done:
			return
		}
	}
}

func (sub *subscription) Add(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return sub.ps.Subscribe(ctx, topics...)
}

func (sub *subscription) Remove(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return sub.ps.Unsubscribe(ctx, topics...)
}

func (sub *subscription) Messages() <-chan core.Message { return sub.out }

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		close(sub.done)
		err = sub.ps.Close()
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.redis").Msg("pubsub close")
		}
	})
	return err
}
