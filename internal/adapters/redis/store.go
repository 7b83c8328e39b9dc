// Package redis implements core.Store on Redis. Conditional primitives run
// as Lua scripts so each one is a single atomic server-side step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
)

type Store struct {
	client *goredis.Client
}

var _ core.Store = (*Store)(nil)

// Dial parses cfg.URL and verifies the server answers.
func Dial(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.IOTimeout > 0 {
		opts.ReadTimeout = cfg.IOTimeout
		opts.WriteTimeout = cfg.IOTimeout
	}
	s := NewStore(goredis.NewClient(opts))
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	log.Info().Str("module", "adapters.redis").Str("addr", opts.Addr).Msg("connected")
	return s, nil
}

func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

func ms(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return ttl.Milliseconds()
}

func score(f float64) string {
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", core.ErrNotFound
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndSwap.Run(ctx, s.client, []string{key}, old, value, ms(ttl)).Int64()
	return n == 1, err
}

func (s *Store) CompareAndDelete(ctx context.Context, key, old string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, old).Int64()
	return n == 1, err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) ZAdd(ctx context.Context, key string, sc float64, member string) error {
	return s.client.ZAdd(ctx, key, goredis.Z{Score: sc, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *Store) ZRevRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]core.ScoredMember, error) {
	rows, err := s.client.ZRevRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
		Max:   score(max),
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.ScoredMember, 0, len(rows))
	for _, z := range rows {
		member, _ := z.Member.(string)
		out = append(out, core.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (s *Store) SAddBounded(ctx context.Context, key, member string, max int64) (bool, error) {
	n, err := addBounded.Run(ctx, s.client, []string{key}, member, max).Int64()
	return n == 1, err
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *Store) Retain(ctx context.Context, counterKey, zsetKey, member string, sc float64) (int64, error) {
	return retain.Run(ctx, s.client, []string{counterKey, zsetKey}, member, score(sc)).Int64()
}

func (s *Store) Release(ctx context.Context, counterKey, zsetKey, member string) (int64, error) {
	return release.Run(ctx, s.client, []string{counterKey, zsetKey}, member).Int64()
}

func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.client.Publish(ctx, topic, payload).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func toArgs(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
