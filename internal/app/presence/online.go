// Package presence tracks who is connected anywhere in the fleet and who is
// attached to which room, entirely in the shared store.
package presence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const (
	onlineKey     = "presence:online"
	connKeyPrefix = "presence:conn:"
)

func connKey(id domain.Identity) string { return connKeyPrefix + string(id) }

type OnlineEntry struct {
	Identity domain.Identity `json:"identity"`
	LastSeen time.Time       `json:"lastSeen"`
}

type Page struct {
	Entries    []OnlineEntry `json:"entries"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Index is the fleet-wide online set: a connection refcount per identity
// plus an ordered set scored by last-seen milliseconds.
type Index struct {
	store        core.Store
	clock        clock.Clock
	defaultLimit int
	maxLimit     int
}

func NewIndex(store core.Store, clk clock.Clock, cfg config.PresenceConfig) *Index {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 500
	}
	return &Index{store: store, clock: clk, defaultLimit: cfg.DefaultLimit, maxLimit: cfg.MaxLimit}
}

// ConnectionOpened counts a new connection and refreshes last-seen.
func (ix *Index) ConnectionOpened(ctx context.Context, id domain.Identity) (int64, error) {
	score := float64(ix.clock.Now().UnixMilli())
	n, err := ix.store.Retain(ctx, connKey(id), onlineKey, string(id), score)
	if err != nil {
		return 0, fmt.Errorf("presence: open %s: %w", id, err)
	}
	log.Debug().Str("module", "app.presence").Str("identity", string(id)).Int64("refcount", n).Msg("connection opened")
	return n, nil
}

// ConnectionClosed releases one connection. At zero the identity leaves the
// online set in the same atomic step.
func (ix *Index) ConnectionClosed(ctx context.Context, id domain.Identity) (int64, error) {
	n, err := ix.store.Release(ctx, connKey(id), onlineKey, string(id))
	if err != nil {
		return 0, fmt.Errorf("presence: close %s: %w", id, err)
	}
	log.Debug().Str("module", "app.presence").Str("identity", string(id)).Int64("refcount", n).Msg("connection closed")
	return n, nil
}

// Connections reads the refcount of id without changing it.
func (ix *Index) Connections(ctx context.Context, id domain.Identity) (int64, error) {
	raw, err := ix.store.Get(ctx, connKey(id))
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Unavailable(err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("presence: refcount of %s: %w", id, err)
	}
	return n, nil
}

func (ix *Index) IsOnline(ctx context.Context, id domain.Identity) (bool, error) {
	_, ok, err := ix.store.ZScore(ctx, onlineKey, string(id))
	if err != nil {
		return false, domain.Unavailable(err)
	}
	return ok, nil
}

func (ix *Index) OnlineCount(ctx context.Context) (int64, error) {
	n, err := ix.store.ZCard(ctx, onlineKey)
	if err != nil {
		return 0, domain.Unavailable(err)
	}
	return n, nil
}

// ClampLimit maps a requested page size into [1, max]; zero means default.
func (ix *Index) ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return ix.defaultLimit
	case limit > ix.maxLimit:
		return ix.maxLimit
	}
	return limit
}

// ListOnline pages through online identities by descending last-seen.
// Ties on score are ordered by identity descending.
func (ix *Index) ListOnline(ctx context.Context, limit int, cursor string) (Page, error) {
	limit = ix.ClampLimit(limit)

	max := core.MaxScore
	var after string
	hasCursor := cursor != ""
	if hasCursor {
		var err error
		max, after, err = DecodeCursor(cursor)
		if err != nil {
			return Page{}, domain.Validation(domain.CodeBadPayload)
		}
	}

	fetch := int64(limit + 1)
	var rows []core.ScoredMember
	for {
		got, err := ix.store.ZRevRangeByScore(ctx, onlineKey, max, fetch)
		if err != nil {
			return Page{}, domain.Unavailable(err)
		}
		rows = rows[:0]
		for _, r := range got {
			if hasCursor && r.Score == max && r.Member >= after {
				continue
			}
			rows = append(rows, r)
		}
		if len(rows) > limit || int64(len(got)) < fetch {
			break
		}
		fetch *= 2
	}

	page := Page{Entries: make([]OnlineEntry, 0, limit)}
	for i, r := range rows {
		if i == limit {
			last := rows[limit-1]
			page.NextCursor = EncodeCursor(last.Score, last.Member)
			break
		}
		page.Entries = append(page.Entries, OnlineEntry{
			Identity: domain.Identity(r.Member),
			LastSeen: time.UnixMilli(int64(r.Score)),
		})
	}
	return page, nil
}

func EncodeCursor(score float64, member string) string {
	raw := strconv.FormatFloat(score, 'f', -1, 64) + ":" + member
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(cursor string) (float64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", err
	}
	scoreStr, member, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, "", fmt.Errorf("presence: malformed cursor")
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return 0, "", err
	}
	return score, member, nil
}
