package memory

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Directory is an in-process IdentityResolver and RoomDirectory.
type Directory struct {
	mu     sync.RWMutex
	tokens map[string]domain.Identity
	rooms  map[domain.RoomID]domain.Room
	left   map[domain.RoomID]int
}

var (
	_ core.IdentityResolver = (*Directory)(nil)
	_ core.RoomDirectory    = (*Directory)(nil)
)

func NewDirectory() *Directory {
	return &Directory{
		tokens: make(map[string]domain.Identity),
		rooms:  make(map[domain.RoomID]domain.Room),
		left:   make(map[domain.RoomID]int),
	}
}

func (d *Directory) PutToken(token string, id domain.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[token] = id
}

// PutRoom inserts or replaces a room.
func (d *Directory) PutRoom(room domain.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room.ID] = room
}

func (d *Directory) ResolveIdentity(_ context.Context, token string) (domain.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tokens[token], nil
}

func (d *Directory) LookupRoom(_ context.Context, id domain.RoomID) (domain.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[id]
	if !ok {
		return domain.Room{}, core.ErrNotFound
	}
	return room, nil
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

func (d *Directory) CloseRoom(_ context.Context, id domain.RoomID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	if !ok || !room.Open {
		return false, nil
	}
	room.Open = false
	d.rooms[id] = room
	return true, nil
}

func (d *Directory) MarkMembersLeft(_ context.Context, id domain.RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.left[id]++
	return nil
}

// MembersLeftCount reports how many times MarkMembersLeft ran for a room.
func (d *Directory) MembersLeftCount(id domain.RoomID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.left[id]
}
