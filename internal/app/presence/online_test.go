package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
)

func newIndex(t *testing.T) (*Index, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewIndex(memory.NewStore(clk), clk, config.PresenceConfig{DefaultLimit: 50, MaxLimit: 500}), clk
}

func TestIndex_MultiTabRefcount(t *testing.T) {
	ix, _ := newIndex(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ix.ConnectionOpened(ctx, "x")
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := ix.ConnectionClosed(ctx, "x")
		require.NoError(t, err)
	}
	online, err := ix.IsOnline(ctx, "x")
	require.NoError(t, err)
	assert.True(t, online, "N-1 closes leave the identity online")

	n, err := ix.ConnectionClosed(ctx, "x")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	online, err = ix.IsOnline(ctx, "x")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestIndex_OnlineCountMatchesPositiveRefcounts(t *testing.T) {
	ix, _ := newIndex(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		id := domain.Identity(fmt.Sprintf("u%d", i%4))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ix.ConnectionOpened(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := ix.OnlineCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	// u0 holds three connections, u3 two.
	for i := 0; i < 3; i++ {
		_, _ = ix.ConnectionClosed(ctx, "u0")
	}
	_, _ = ix.ConnectionClosed(ctx, "u3")

	n, err = ix.OnlineCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestIndex_CloseWithoutOpenDoesNotGoNegative(t *testing.T) {
	ix, _ := newIndex(t)
	ctx := context.Background()

	_, err := ix.ConnectionClosed(ctx, "ghost")
	require.NoError(t, err)
	n, err := ix.ConnectionOpened(ctx, "ghost")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestIndex_ListOnlinePaginates(t *testing.T) {
	ix, clk := newIndex(t)
	ctx := context.Background()

	for _, id := range []domain.Identity{"a", "b", "c", "d", "e"} {
		_, err := ix.ConnectionOpened(ctx, id)
		require.NoError(t, err)
		clk.Add(time.Second)
	}
	// f and g share e's neighbour score to exercise the tiebreak.
	clk.Add(-time.Second)
	_, _ = ix.ConnectionOpened(ctx, "f")
	_, _ = ix.ConnectionOpened(ctx, "g")

	var seen []domain.Identity
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := ix.ListOnline(ctx, 2, cursor)
		require.NoError(t, err)
		for _, e := range page.Entries {
			seen = append(seen, e.Identity)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, []domain.Identity{"g", "f", "e", "d", "c", "b", "a"}, seen)
}

func TestIndex_ListOnlineClampsLimit(t *testing.T) {
	ix, _ := newIndex(t)
	assert.Equal(t, 50, ix.ClampLimit(0))
	assert.Equal(t, 1, ix.ClampLimit(1))
	assert.Equal(t, 500, ix.ClampLimit(10_000))
}

func TestIndex_ListOnlineRejectsBadCursor(t *testing.T) {
	ix, _ := newIndex(t)
	_, err := ix.ListOnline(context.Background(), 10, "%%%")
	assert.ErrorIs(t, err, domain.Validation(domain.CodeBadPayload))
}

func TestCursorRoundTrip(t *testing.T) {
	score, member, err := DecodeCursor(EncodeCursor(1700000000123, "id:with:colons"))
	require.NoError(t, err)
	assert.Equal(t, 1700000000123.0, score)
	assert.Equal(t, "id:with:colons", member)
}
