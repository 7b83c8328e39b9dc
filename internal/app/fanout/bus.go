// Package fanout moves events between processes over the store's
// publish/subscribe primitive and hands them to local connections.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

var ErrNotStarted = errors.New("fanout: bus not started")

// Bus is the process's single subscriber. A store topic is subscribed while
// at least one local connection is attached to it.
type Bus struct {
	store    core.Store
	registry *app.Registry
	policy   app.Policy
	prefix   string
	metrics  *metrics.Metrics

	mu   sync.Mutex
	sub  core.Subscription
	done chan struct{}
}

var _ core.Publisher = (*Bus)(nil)

func New(store core.Store, registry *app.Registry, policy app.Policy, prefix string, m *metrics.Metrics) *Bus {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Bus{
		store:    store,
		registry: registry,
		policy:   policy,
		prefix:   prefix,
		metrics:  m,
	}
}

// Start opens the subscription and begins delivering. Topics already held
// by the registry are resubscribed.
func (b *Bus) Start(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	topics := b.registry.Topics()
	if err := sub.Add(ctx, b.wire(topics...)...); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.run(sub, done)
	log.Info().Str("module", "app.fanout").Str("prefix", b.prefix).Int("topics", len(topics)).Msg("bus started")
	return nil
}

// Stop closes the subscription and waits for the delivery loop to exit.
func (b *Bus) Stop() error {
	b.mu.Lock()
	sub, done := b.sub, b.done
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	log.Info().Str("module", "app.fanout").Msg("bus stopped")
	return err
}

func (b *Bus) run(sub core.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.Messages() {
		topic := strings.TrimPrefix(msg.Topic, b.prefix)
		res := b.registry.Deliver(topic, core.Frame(msg.Payload))
		b.metrics.Fanout(res.SendTo, len(res.Dropped))
		for _, slow := range res.Dropped {
			b.onBackpressure(topic, slow)
		}
	}
}

func (b *Bus) onBackpressure(topic string, conn core.Connection) {
	switch b.policy.OnBackPressure(topic, conn) {
	case app.KickMember:
		log.Warn().Str("module", "app.fanout").Str("conn", string(conn.ID())).Str("topic", topic).Msg("kicking slow connection")
		b.registry.Cancel(conn.ID())
		conn.Close()
	case app.MarkSlow:
		log.Warn().Str("module", "app.fanout").Str("conn", string(conn.ID())).Str("topic", topic).Msg("slow connection")
	case app.DropFrame, app.NoAction:
	}
}

func (b *Bus) wire(topics ...string) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = b.prefix + t
	}
	return out
}

func (b *Bus) subscription() (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil, ErrNotStarted
	}
	return b.sub, nil
}

// Publish sends ev to every connection attached to topic on any process.
func (b *Bus) Publish(ctx context.Context, topic string, ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.store.Publish(ctx, b.prefix+topic, payload)
}

// Attach binds a local connection to topic, subscribing on first interest.
func (b *Bus) Attach(ctx context.Context, id core.ConnID, topic string) error {
	first, ok := b.registry.Attach(id, topic)
	if !ok || !first {
		return nil
	}
	sub, err := b.subscription()
	if err != nil {
		return err
	}
	return sub.Add(ctx, b.prefix+topic)
}

func (b *Bus) Detach(ctx context.Context, id core.ConnID, topic string) error {
	if !b.registry.Detach(id, topic) {
		return nil
	}
	return b.unsubscribe(ctx, topic)
}

// DetachIdentity removes all local connections of identity from topic.
func (b *Bus) DetachIdentity(ctx context.Context, identity domain.Identity, topic string) error {
	if !b.registry.DetachIdentity(identity, topic) {
		return nil
	}
	return b.unsubscribe(ctx, topic)
}

// Release unbinds a connection and drops subscriptions nobody local needs.
func (b *Bus) Release(ctx context.Context, id core.ConnID) error {
	var err error
	for _, topic := range b.registry.Unbind(id) {
		err = multierr.Append(err, b.unsubscribe(ctx, topic))
	}
	return err
}

// unsubscribe re-checks interest afterwards: an Attach racing with the
// removal must not be left without a subscription.
func (b *Bus) unsubscribe(ctx context.Context, topic string) error {
	sub, err := b.subscription()
	if err != nil {
		return err
	}
	if err := sub.Remove(ctx, b.prefix+topic); err != nil {
		return err
	}
	if b.registry.HasTopic(topic) {
		return sub.Add(ctx, b.prefix+topic)
	}
	return nil
}
