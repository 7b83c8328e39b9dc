package presence

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func roomKey(room domain.RoomID) string     { return "room:" + string(room) + ":present" }
func identityKey(id domain.Identity) string { return "identity:" + string(id) + ":rooms" }
func toIdentities(members []string) []domain.Identity {
	out := make([]domain.Identity, len(members))
	for i, m := range members {
		out[i] = domain.Identity(m)
	}
	return out
}

// Update is the presence:update payload.
type Update struct {
	RoomID     domain.RoomID     `json:"roomId"`
	Identities []domain.Identity `json:"identities"`
}

// Tracker keeps who is attached to each room's live channel, indexed both
// ways so a disconnect can find every room without scanning.
type Tracker struct {
	store core.Store
	pub   core.Publisher
}

func NewTracker(store core.Store, pub core.Publisher) *Tracker {
	return &Tracker{store: store, pub: pub}
}

func (t *Tracker) Join(ctx context.Context, room domain.RoomID, id domain.Identity) ([]domain.Identity, error) {
	if err := t.store.SAdd(ctx, roomKey(room), string(id)); err != nil {
		return nil, domain.Unavailable(err)
	}
	if err := t.store.SAdd(ctx, identityKey(id), string(room)); err != nil {
		return nil, multierr.Append(domain.Unavailable(err), t.store.SRem(ctx, roomKey(room), string(id)))
	}
	present, err := t.broadcast(ctx, room)
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	log.Debug().Str("module", "app.presence").Str("room", string(room)).Str("identity", string(id)).Msg("joined room")
	return present, nil
}

func (t *Tracker) Leave(ctx context.Context, room domain.RoomID, id domain.Identity) ([]domain.Identity, error) {
	err := multierr.Append(
		t.store.SRem(ctx, roomKey(room), string(id)),
		t.store.SRem(ctx, identityKey(id), string(room)),
	)
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	present, err := t.broadcast(ctx, room)
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	log.Debug().Str("module", "app.presence").Str("room", string(room)).Str("identity", string(id)).Msg("left room")
	return present, nil
}

func (t *Tracker) ListPresent(ctx context.Context, room domain.RoomID) ([]domain.Identity, error) {
	members, err := t.store.SMembers(ctx, roomKey(room))
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	return toIdentities(members), nil
}

func (t *Tracker) IsPresent(ctx context.Context, room domain.RoomID, id domain.Identity) (bool, error) {
	ok, err := t.store.SIsMember(ctx, roomKey(room), string(id))
	if err != nil {
		return false, domain.Unavailable(err)
	}
	return ok, nil
}

func (t *Tracker) ListRoomsFor(ctx context.Context, id domain.Identity) ([]domain.RoomID, error) {
	rooms, err := t.store.SMembers(ctx, identityKey(id))
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	out := make([]domain.RoomID, len(rooms))
	for i, r := range rooms {
		out[i] = domain.RoomID(r)
	}
	return out, nil
}

// CleanupAll removes id from every room it was present in and returns those
// rooms. It keeps going past individual failures and reports them together.
func (t *Tracker) CleanupAll(ctx context.Context, id domain.Identity) ([]domain.RoomID, error) {
	rooms, err := t.ListRoomsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	var errs error
	for _, room := range rooms {
		errs = multierr.Append(errs, t.store.SRem(ctx, roomKey(room), string(id)))
	}
	errs = multierr.Append(errs, t.store.Del(ctx, identityKey(id)))
	for _, room := range rooms {
		_, err := t.broadcast(ctx, room)
		errs = multierr.Append(errs, err)
	}
	log.Debug().Str("module", "app.presence").Str("identity", string(id)).Int("rooms", len(rooms)).Msg("cleanup all")
	return rooms, errs
}

// Clear empties a room and returns who was present before.
func (t *Tracker) Clear(ctx context.Context, room domain.RoomID) ([]domain.Identity, error) {
	members, err := t.store.SMembers(ctx, roomKey(room))
	if err != nil {
		return nil, err
	}
	var errs error
	for _, m := range members {
		errs = multierr.Append(errs, t.store.SRem(ctx, identityKey(domain.Identity(m)), string(room)))
	}
	errs = multierr.Append(errs, t.store.Del(ctx, roomKey(room)))
	if errs != nil {
		return toIdentities(members), errs
	}
	if err := core.Emit(ctx, t.pub, core.RoomTopic(room), core.EventPresenceUpdate, Update{RoomID: room, Identities: []domain.Identity{}}); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("room", string(room)).Msg("presence update not published")
	}
	return toIdentities(members), nil
}

// broadcast publishes the committed member list of room. A failed publish
// is logged only; the mutation already stands.
func (t *Tracker) broadcast(ctx context.Context, room domain.RoomID) ([]domain.Identity, error) {
	members, err := t.store.SMembers(ctx, roomKey(room))
	if err != nil {
		return nil, err
	}
	present := toIdentities(members)
	if err := core.Emit(ctx, t.pub, core.RoomTopic(room), core.EventPresenceUpdate, Update{RoomID: room, Identities: present}); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("room", string(room)).Msg("presence update not published")
	}
	return present, nil
}
