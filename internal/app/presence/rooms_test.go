package presence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
)

func newTracker() (*Tracker, *coretest.Recorder) {
	rec := &coretest.Recorder{}
	return NewTracker(memory.NewStore(clock.NewMock()), rec), rec
}

func lastUpdate(t *testing.T, rec *coretest.Recorder, room domain.RoomID) Update {
	t.Helper()
	evs := rec.To(core.RoomTopic(room), core.EventPresenceUpdate)
	require.NotEmpty(t, evs)
	var u Update
	require.NoError(t, json.Unmarshal(evs[len(evs)-1].Data, &u))
	return u
}

func TestTracker_ListPresentFollowsLastOperation(t *testing.T) {
	tr, rec := newTracker()
	ctx := context.Background()

	_, err := tr.Join(ctx, "r", "a")
	require.NoError(t, err)
	_, err = tr.Join(ctx, "r", "b")
	require.NoError(t, err)
	_, err = tr.Join(ctx, "r", "c")
	require.NoError(t, err)
	_, err = tr.Leave(ctx, "r", "b")
	require.NoError(t, err)
	_, err = tr.Join(ctx, "r", "a")
	require.NoError(t, err)
	_, err = tr.CleanupAll(ctx, "c")
	require.NoError(t, err)

	present, err := tr.ListPresent(ctx, "r")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Identity{"a"}, present)
	assert.ElementsMatch(t, []domain.Identity{"a"}, lastUpdate(t, rec, "r").Identities)
}

func TestTracker_CleanupAllReturnsAffectedRooms(t *testing.T) {
	tr, rec := newTracker()
	ctx := context.Background()

	for _, room := range []domain.RoomID{"r1", "r2", "r3"} {
		_, err := tr.Join(ctx, room, "x")
		require.NoError(t, err)
	}
	_, err := tr.Join(ctx, "r2", "y")
	require.NoError(t, err)
	_, err = tr.Leave(ctx, "r3", "x")
	require.NoError(t, err)

	rooms, err := tr.CleanupAll(ctx, "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.RoomID{"r1", "r2"}, rooms)

	left, err := tr.ListRoomsFor(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, []domain.Identity{"y"}, lastUpdate(t, rec, "r2").Identities)
	assert.Empty(t, lastUpdate(t, rec, "r1").Identities)
}

func TestTracker_ClearReturnsPreviousMembers(t *testing.T) {
	tr, rec := newTracker()
	ctx := context.Background()
	for _, id := range []domain.Identity{"o", "p", "q"} {
		_, err := tr.Join(ctx, "r", id)
		require.NoError(t, err)
	}
	_, err := tr.Join(ctx, "other", "p")
	require.NoError(t, err)

	prev, err := tr.Clear(ctx, "r")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Identity{"o", "p", "q"}, prev)

	present, _ := tr.ListPresent(ctx, "r")
	assert.Empty(t, present)
	rooms, _ := tr.ListRoomsFor(ctx, "p")
	assert.Equal(t, []domain.RoomID{"other"}, rooms)
	assert.Empty(t, lastUpdate(t, rec, "r").Identities)
}
