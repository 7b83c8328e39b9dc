package core

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned by Store reads of a missing key.
var ErrNotFound = errors.New("store: key not found")

// ScoredMember is one ordered-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// MaxScore is the open upper bound for reverse range reads.
var MaxScore = math.Inf(1)

// Message is one payload received from a subscribed topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a dynamic set of topics delivered on one channel.
// Messages is closed after Close.
type Subscription interface {
	Add(ctx context.Context, topics ...string) error
	Remove(ctx context.Context, topics ...string) error
	Messages() <-chan Message
	Close() error
}

// Store is the contract over the shared coordination store.
//
// Every method is atomic on its own. Methods taking several keys
// (Retain, Release) are atomic across those keys. A ttl of zero means the
// key does not expire.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if it currently equals old.
	// Swapping a value for itself refreshes its ttl.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes the key only if it currently equals old.
	CompareAndDelete(ctx context.Context, key, old string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRevRangeByScore returns up to limit entries with score <= max in
	// descending score order; ties are ordered by member descending.
	ZRevRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]ScoredMember, error)

	SAdd(ctx context.Context, key string, members ...string) error
	// SAddBounded adds member unless the set already holds max members.
	// Adding an existing member always succeeds.
	SAddBounded(ctx context.Context, key, member string, max int64) (bool, error)
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Retain increments counterKey and sets member's score in zsetKey.
	Retain(ctx context.Context, counterKey, zsetKey, member string, score float64) (int64, error)
	// Release decrements counterKey; at zero or below it deletes counterKey
	// and removes member from zsetKey in the same step.
	Release(ctx context.Context, counterKey, zsetKey, member string) (int64, error)

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
