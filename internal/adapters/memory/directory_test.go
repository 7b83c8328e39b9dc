package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func TestDirectory_CloseRoomOnce(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()
	d.PutRoom(domain.Room{ID: "r1", Kind: domain.RoomPublic, Owner: "alice", Open: true})

	first, err := d.CloseRoom(ctx, "r1")
	require.NoError(t, err)
	second, err := d.CloseRoom(ctx, "r1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	open, err := d.IsRoomOpen(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestDirectory_Lookups(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()
	d.PutToken("tok", "alice")

	id, err := d.ResolveIdentity(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), id)

	id, err = d.ResolveIdentity(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = d.RoomOwner(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
