package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
)

// IdentityResolver maps a credential token to a live identity.
// It returns ("", nil) when the token resolves to nothing.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (domain.Identity, error)
}

// RoomDirectory is the durable room store owned by the persistence
// collaborator. LookupRoom returns ErrNotFound for unknown rooms.
type RoomDirectory interface {
	LookupRoom(ctx context.Context, id domain.RoomID) (domain.Room, error)
	IsRoomOpen(ctx context.Context, id domain.RoomID) (bool, error)
	RoomOwner(ctx context.Context, id domain.RoomID) (domain.Identity, error)
	// CloseRoom flips an open room to closed and reports whether this call
	// performed the transition. Closing a closed room returns false.
	CloseRoom(ctx context.Context, id domain.RoomID) (bool, error)
	MarkMembersLeft(ctx context.Context, id domain.RoomID) error
}
