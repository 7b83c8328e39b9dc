package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func TestDirectory(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("resolve identity", func(mt *mtest.T) {
		sid := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "huddle.sessions", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: sid},
			{Key: "sessionKey", Value: "tok"},
		}))

		id, err := NewDirectory(mt.DB).ResolveIdentity(context.Background(), "tok")
		require.NoError(mt, err)
		assert.Equal(mt, domain.Identity(sid.Hex()), id)
	})

	mt.Run("unknown session resolves to nothing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "huddle.sessions", mtest.FirstBatch))

		id, err := NewDirectory(mt.DB).ResolveIdentity(context.Background(), "tok")
		require.NoError(mt, err)
		assert.Empty(mt, id)
	})

	mt.Run("lookup room", func(mt *mtest.T) {
		rid := primitive.NewObjectID()
		owner := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "huddle.rooms", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: rid},
			{Key: "type", Value: "VIDEO_GROUP"},
			{Key: "ownerSessionId", Value: owner},
			{Key: "isOpen", Value: true},
			{Key: "maxUsers", Value: 6},
		}))

		room, err := NewDirectory(mt.DB).LookupRoom(context.Background(), domain.RoomID(rid.Hex()))
		require.NoError(mt, err)
		assert.Equal(mt, domain.RoomVideoGroup, room.Kind)
		assert.Equal(mt, domain.Identity(owner.Hex()), room.Owner)
		assert.True(mt, room.Open)
		assert.Equal(mt, 6, room.MaxUsers)
	})

	mt.Run("malformed room id is not found", func(mt *mtest.T) {
		_, err := NewDirectory(mt.DB).LookupRoom(context.Background(), "not-an-object-id")
		assert.ErrorIs(mt, err, core.ErrNotFound)
	})

	mt.Run("close room reports the winner", func(mt *mtest.T) {
		rid := domain.RoomID(primitive.NewObjectID().Hex())
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)
		dir := NewDirectory(mt.DB)

		first, err := dir.CloseRoom(context.Background(), rid)
		require.NoError(mt, err)
		second, err := dir.CloseRoom(context.Background(), rid)
		require.NoError(mt, err)

		assert.True(mt, first)
		assert.False(mt, second)
	})
}
