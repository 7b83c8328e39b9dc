// Package mongo resolves identities and rooms from the document store owned
// by the persistence collaborator. Collection shapes follow that service:
// sessions keyed by sessionKey, rooms with an isOpen flag, and roommembers
// rows closed by setting leftAt.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const (
	sessionsCollection = "sessions"
	roomsCollection    = "rooms"
	membersCollection  = "roommembers"
)

type sessionDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	SessionKey string             `bson:"sessionKey"`
	EndedAt    *time.Time         `bson:"endedAt"`
}

type roomDoc struct {
	ID             primitive.ObjectID  `bson:"_id"`
	Type           string              `bson:"type"`
	OwnerSessionID *primitive.ObjectID `bson:"ownerSessionId"`
	IsOpen         bool                `bson:"isOpen"`
	MaxUsers       *int                `bson:"maxUsers"`
}

func (d roomDoc) toDomain() domain.Room {
	room := domain.Room{
		ID:   domain.RoomID(d.ID.Hex()),
		Kind: domain.RoomKind(d.Type),
		Open: d.IsOpen,
	}
	if d.OwnerSessionID != nil {
		room.Owner = domain.Identity(d.OwnerSessionID.Hex())
	}
	if d.MaxUsers != nil {
		room.MaxUsers = *d.MaxUsers
	}
	return room
}

type Directory struct {
	db  *mongo.Database
	now func() time.Time
}

var (
	_ core.IdentityResolver = (*Directory)(nil)
	_ core.RoomDirectory    = (*Directory)(nil)
)

// Connect dials cfg.URI and returns the client together with a Directory
// over cfg.Database. The caller owns the client.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, *Directory, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo: ping: %w", err)
	}
	log.Info().Str("module", "adapters.mongo").Str("db", cfg.Database).Msg("connected")
	return client, NewDirectory(client.Database(cfg.Database)), nil
}

func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{db: db, now: time.Now}
}

// ResolveIdentity maps a live session key to the session's id.
func (d *Directory) ResolveIdentity(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return "", nil
	}
	var doc sessionDoc
	err := d.db.Collection(sessionsCollection).
		FindOne(ctx, bson.M{"sessionKey": token, "endedAt": nil}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mongo: resolve identity: %w", err)
	}
	return domain.Identity(doc.ID.Hex()), nil
}

func roomObjectID(id domain.RoomID) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(string(id))
	if err != nil {
		return primitive.NilObjectID, core.ErrNotFound
	}
	return oid, nil
}

func (d *Directory) LookupRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	oid, err := roomObjectID(id)
	if err != nil {
		return domain.Room{}, err
	}
	var doc roomDoc
	err = d.db.Collection(roomsCollection).FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Room{}, core.ErrNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("mongo: lookup room: %w", err)
	}
	return doc.toDomain(), nil
}

func (d *Directory) IsRoomOpen(ctx context.Context, id domain.RoomID) (bool, error) {
	room, err := d.LookupRoom(ctx, id)
	if err != nil {
		return false, err
	}
	return room.Open, nil
}

func (d *Directory) RoomOwner(ctx context.Context, id domain.RoomID) (domain.Identity, error) {
	room, err := d.LookupRoom(ctx, id)
	if err != nil {
		return "", err
	}
	return room.Owner, nil
}

// CloseRoom flips isOpen with a filter on isOpen:true, so of any number of
// concurrent callers exactly one sees a modified document.
func (d *Directory) CloseRoom(ctx context.Context, id domain.RoomID) (bool, error) {
	oid, err := roomObjectID(id)
	if err != nil {
		return false, nil
	}
	res, err := d.db.Collection(roomsCollection).UpdateOne(ctx,
		bson.M{"_id": oid, "isOpen": true},
		bson.M{"$set": bson.M{"isOpen": false, "endedAt": d.now()}},
	)
	if err != nil {
		return false, fmt.Errorf("mongo: close room: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (d *Directory) MarkMembersLeft(ctx context.Context, id domain.RoomID) error {
	oid, err := roomObjectID(id)
	if err != nil {
		return err
	}
	now := d.now()
	_, err = d.db.Collection(membersCollection).UpdateMany(ctx,
		bson.M{"roomId": oid, "leftAt": nil},
		bson.M{"$set": bson.M{"leftAt": now, "lastSeenAt": now}},
	)
	if err != nil {
		return fmt.Errorf("mongo: mark members left: %w", err)
	}
	return nil
}
