// Package memory holds single-process implementations of the core
// collaborators. They back the dev profile and the coordinator tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
)

const subscriptionBuffer = 256

var ErrNotInteger = errors.New("memory: value is not an integer")

type entry struct {
	value   string
	expires time.Time
}

// Store is a core.Store kept in process memory. Expiry is evaluated lazily
// against the injected clock.
type Store struct {
	clock clock.Clock

	mu      sync.Mutex
	strings map[string]entry
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	subs    map[*subscription]struct{}
}

var _ core.Store = (*Store)(nil)

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:   clk,
		strings: make(map[string]entry),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[*subscription]struct{}),
	}
}

// lookup must be called with mu held.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.strings[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !s.clock.Now().Before(e.expires) {
		delete(s.strings, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *Store) add(key string, delta int64) (int64, error) {
	e, ok := s.lookup(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = v
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	s.strings[key] = e
	return n, nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(key, 1)
}

func (s *Store) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(key, -1)
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return "", core.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = entry{value: value, expires: s.deadline(ttl)}
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.strings[key] = entry{value: value, expires: s.deadline(ttl)}
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != old {
		return false, nil
	}
	s.strings[key] = entry{value: value, expires: s.deadline(ttl)}
	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key, old string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != old {
		return false, nil
	}
	delete(s.strings, key)
	return true, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.zsets, k)
		delete(s.sets, k)
	}
	return nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zrem(key, member)
	return nil
}

func (s *Store) zrem(key, member string) {
	z, ok := s.zsets[key]
	if !ok {
		return
	}
	delete(z, member)
	if len(z) == 0 {
		delete(s.zsets, key)
	}
}

func (s *Store) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.zsets[key][member]
	return score, ok, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ZRevRangeByScore(_ context.Context, key string, max float64, limit int64) ([]core.ScoredMember, error) {
	s.mu.Lock()
	out := make([]core.ScoredMember, 0, len(s.zsets[key]))
	for m, score := range s.zsets[key] {
		if score <= max {
			out = append(out, core.ScoredMember{Member: m, Score: score})
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member > out[j].Member
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.set(key)
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// set must be called with mu held.
func (s *Store) set(key string) map[string]struct{} {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	return set
}

func (s *Store) SAddBounded(_ context.Context, key, member string, max int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.set(key)
	if _, ok := set[member]; ok {
		return true, nil
	}
	if int64(len(set)) >= max {
		if len(set) == 0 {
			delete(s.sets, key)
		}
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *Store) Retain(_ context.Context, counterKey, zsetKey, member string, score float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add(counterKey, 1)
	if err != nil {
		return 0, err
	}
	z, ok := s.zsets[zsetKey]
	if !ok {
		z = make(map[string]float64)
		s.zsets[zsetKey] = z
	}
	z[member] = score
	return n, nil
}

func (s *Store) Release(_ context.Context, counterKey, zsetKey, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add(counterKey, -1)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		delete(s.strings, counterKey)
		s.zrem(zsetKey, member)
	}
	return n, nil
}

func (s *Store) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	targets := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(core.Message{Topic: topic, Payload: payload})
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context) (core.Subscription, error) {
	sub := &subscription{
		store:  s,
		topics: make(map[string]struct{}),
		ch:     make(chan core.Message, subscriptionBuffer),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()
	for sub := range subs {
		sub.shutdown()
	}
	return nil
}

type subscription struct {
	store *Store

	mu     sync.Mutex
	topics map[string]struct{}
	ch     chan core.Message
	closed bool
}

func (sub *subscription) deliver(msg core.Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if _, ok := sub.topics[msg.Topic]; !ok {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		log.Warn().Str("module", "adapters.memory").Str("topic", msg.Topic).Msg("subscription full, message dropped")
	}
}

func (sub *subscription) Add(_ context.Context, topics ...string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	return nil
}

func (sub *subscription) Remove(_ context.Context, topics ...string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, t := range topics {
		delete(sub.topics, t)
	}
	return nil
}

func (sub *subscription) Messages() <-chan core.Message { return sub.ch }

func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	delete(sub.store.subs, sub)
	sub.store.mu.Unlock()
	sub.shutdown()
	return nil
}

func (sub *subscription) shutdown() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
