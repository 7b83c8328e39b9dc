// Package videogroup coordinates capacity-bounded group calls hosted by
// rooms, and relays mesh signaling between their members.
package videogroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

const maxCASAttempts = 8

var errContended = errors.New("videogroup: record contended")

func groupKey(room domain.RoomID) string    { return "vg:" + string(room) }
func membersKey(room domain.RoomID) string  { return "vg:" + string(room) + ":members" }
func groupsOfKey(id domain.Identity) string { return "identity:" + string(id) + ":groups" }

type Coordinator struct {
	store   core.Store
	pub     core.Publisher
	rooms   core.RoomDirectory
	clock   clock.Clock
	cfg     config.VideoGroupConfig
	metrics *metrics.Metrics
}

func New(store core.Store, pub core.Publisher, rooms core.RoomDirectory, clk clock.Clock, cfg config.VideoGroupConfig, m *metrics.Metrics) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{store: store, pub: pub, rooms: rooms, clock: clk, cfg: cfg, metrics: m}
}

// Capacity picks requested, else the room's own limit, else the default,
// and clamps the result to the configured range.
func (c *Coordinator) Capacity(requested, roomMax int) int {
	n := c.cfg.DefaultMembers
	switch {
	case requested > 0:
		n = requested
	case roomMax > 0:
		n = roomMax
	}
	if n < c.cfg.MinMembers {
		n = c.cfg.MinMembers
	}
	if n > c.cfg.MaxMembers {
		n = c.cfg.MaxMembers
	}
	return n
}

// Start opens a group in room owned by owner. While a group is already
// active the existing state is returned unchanged.
func (c *Coordinator) Start(ctx context.Context, roomID domain.RoomID, owner domain.Identity, requested int) (State, error) {
	room, err := c.rooms.LookupRoom(ctx, roomID)
	if errors.Is(err, core.ErrNotFound) {
		return State{}, domain.Precondition(domain.CodeRoomNotFound)
	}
	if err != nil {
		return State{}, domain.Unavailable(err)
	}
	if room.Kind != domain.RoomVideoGroup {
		return State{}, domain.Precondition(domain.CodeNotVideoGroupRoom)
	}
	if !room.Open {
		return State{}, domain.Precondition(domain.CodeRoomClosed)
	}

	group := domain.VideoGroup{
		RoomID:     roomID,
		Owner:      owner,
		Status:     domain.VideoGroupActive,
		CreatedAt:  c.clock.Now().UTC(),
		MaxMembers: c.Capacity(requested, room.MaxUsers),
	}
	raw, err := json.Marshal(group)
	if err != nil {
		return State{}, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, curRaw, found, err := c.load(ctx, roomID)
		if err != nil {
			return State{}, err
		}
		if found && cur.Status == domain.VideoGroupActive {
			return c.state(ctx, cur)
		}

		var won bool
		if found {
			won, err = c.store.CompareAndSwap(ctx, groupKey(roomID), curRaw, string(raw), c.cfg.ActiveTTL)
		} else {
			won, err = c.store.SetNX(ctx, groupKey(roomID), string(raw), c.cfg.ActiveTTL)
		}
		if err != nil {
			return State{}, domain.Unavailable(err)
		}
		if won {
			return c.started(ctx, group)
		}
	}
	return State{}, domain.Unavailable(errContended)
}

// started runs only for the caller that created the record. Members left
// behind by an ended or expired group are dropped before the owner is added.
func (c *Coordinator) started(ctx context.Context, group domain.VideoGroup) (State, error) {
	room := group.RoomID
	err := multierr.Combine(
		c.dropMembers(ctx, room),
		c.store.SAdd(ctx, membersKey(room), string(group.Owner)),
		c.store.SAdd(ctx, groupsOfKey(group.Owner), string(room)),
	)
	if err != nil {
		// Nobody can be in a group whose owner is not a member.
		if _, cerr := c.closeGroup(ctx, room, group.Owner, domain.CloseReasonDefault); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		return State{}, domain.Unavailable(err)
	}

	c.emit(ctx, core.RoomTopic(room), core.EventVGStarted, startedNotice{RoomID: room, Owner: group.Owner, MaxMembers: group.MaxMembers})
	members := c.broadcastMembers(ctx, room)
	c.metrics.VideoGroup(string(domain.VideoGroupActive), "")
	log.Info().Str("module", "app.videogroup").Str("room", string(room)).Str("owner", string(group.Owner)).Int("max", group.MaxMembers).Msg("group started")
	return State{VideoGroup: group, Members: members}, nil
}

// Get returns the group in room, active or recently ended.
func (c *Coordinator) Get(ctx context.Context, room domain.RoomID) (State, error) {
	g, _, found, err := c.load(ctx, room)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{}, domain.Precondition(domain.CodeVGNotActive)
	}
	return c.state(ctx, g)
}

// Join admits id unless the group is full. The bound is enforced by the
// store in the same step as the insert.
func (c *Coordinator) Join(ctx context.Context, room domain.RoomID, id domain.Identity) (State, error) {
	g, err := c.active(ctx, room)
	if err != nil {
		return State{}, err
	}
	ok, err := c.store.SAddBounded(ctx, membersKey(room), string(id), int64(g.MaxMembers))
	if err != nil {
		return State{}, domain.Unavailable(err)
	}
	if !ok {
		return State{}, domain.Precondition(domain.CodeVGFull)
	}

	// The group may have closed between the read and the insert.
	if _, err := c.active(ctx, room); err != nil {
		return State{}, multierr.Append(err, c.store.SRem(ctx, membersKey(room), string(id)))
	}
	if err := c.store.SAdd(ctx, groupsOfKey(id), string(room)); err != nil {
		return State{}, multierr.Append(domain.Unavailable(err), c.store.SRem(ctx, membersKey(room), string(id)))
	}

	members := c.broadcastMembers(ctx, room)
	log.Debug().Str("module", "app.videogroup").Str("room", string(room)).Str("identity", string(id)).Msg("joined group")
	return State{VideoGroup: g, Members: members}, nil
}

// Leave removes id. The owner leaving an active group closes it.
func (c *Coordinator) Leave(ctx context.Context, room domain.RoomID, id domain.Identity) (closed bool, err error) {
	err = multierr.Append(
		c.store.SRem(ctx, membersKey(room), string(id)),
		c.store.SRem(ctx, groupsOfKey(id), string(room)),
	)
	if err != nil {
		return false, domain.Unavailable(err)
	}

	g, _, found, err := c.load(ctx, room)
	if err != nil {
		return false, err
	}
	if found && g.Status == domain.VideoGroupActive && g.Owner == id {
		return c.closeGroup(ctx, room, id, domain.CloseReasonOwnerLeft)
	}
	c.broadcastMembers(ctx, room)
	return false, nil
}

// LeaveAll removes id from every group it is in. Used on full disconnect.
func (c *Coordinator) LeaveAll(ctx context.Context, id domain.Identity) ([]domain.RoomID, error) {
	rooms, err := c.store.SMembers(ctx, groupsOfKey(id))
	if err != nil {
		return nil, err
	}
	var errs error
	out := make([]domain.RoomID, 0, len(rooms))
	for _, r := range rooms {
		room := domain.RoomID(r)
		out = append(out, room)
		if _, err := c.Leave(ctx, room, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("leave %s: %w", room, err))
		}
	}
	return out, multierr.Append(errs, c.store.Del(ctx, groupsOfKey(id)))
}

func (c *Coordinator) Kick(ctx context.Context, room domain.RoomID, by, target domain.Identity) error {
	g, err := c.active(ctx, room)
	if err != nil {
		return err
	}
	if g.Owner != by {
		return domain.Precondition(domain.CodeOwnerOnly)
	}
	if target == by || target.Validate() != nil {
		return domain.Validation(domain.CodeInvalidTarget)
	}
	member, err := c.store.SIsMember(ctx, membersKey(room), string(target))
	if err != nil {
		return domain.Unavailable(err)
	}
	if !member {
		return domain.Precondition(domain.CodeNotMember)
	}

	err = multierr.Append(
		c.store.SRem(ctx, membersKey(room), string(target)),
		c.store.SRem(ctx, groupsOfKey(target), string(room)),
	)
	if err != nil {
		return domain.Unavailable(err)
	}
	c.emit(ctx, core.IdentityTopic(target), core.EventVGKicked, kickedNotice{RoomID: room, By: by})
	c.broadcastMembers(ctx, room)
	log.Info().Str("module", "app.videogroup").Str("room", string(room)).Str("target", string(target)).Msg("member kicked")
	return nil
}

// Close ends the group on the owner's request. Losing a race to another
// closer counts as success.
func (c *Coordinator) Close(ctx context.Context, room domain.RoomID, by domain.Identity, reason string) error {
	g, err := c.active(ctx, room)
	if err != nil {
		return err
	}
	if g.Owner != by {
		return domain.Precondition(domain.CodeOwnerOnly)
	}
	if reason == "" {
		reason = domain.CloseReasonDefault
	}
	_, err = c.closeGroup(ctx, room, by, reason)
	return err
}

// ForceClose ends any active group in room regardless of who asks.
func (c *Coordinator) ForceClose(ctx context.Context, room domain.RoomID, reason string) (bool, error) {
	return c.closeGroup(ctx, room, "", reason)
}

// RelaySignal forwards a mesh negotiation payload from one member to another.
func (c *Coordinator) RelaySignal(ctx context.Context, kind domain.SignalKind, room domain.RoomID, from, to domain.Identity, payload json.RawMessage) error {
	if !kind.Valid() {
		return domain.Validation(domain.CodeBadPayload)
	}
	if to == from || to.Validate() != nil {
		return domain.Validation(domain.CodeInvalidTarget)
	}
	for _, id := range []domain.Identity{from, to} {
		ok, err := c.store.SIsMember(ctx, membersKey(room), string(id))
		if err != nil {
			return domain.Unavailable(err)
		}
		if !ok {
			return domain.Precondition(domain.CodeNotMember)
		}
	}

	data := map[string]any{"roomId": room, "from": from}
	if kind == domain.SignalICE {
		data["candidate"] = payload
	} else {
		data["sdp"] = payload
	}
	if err := core.Emit(ctx, c.pub, core.IdentityTopic(to), "vg:"+string(kind), data); err != nil {
		return domain.Unavailable(err)
	}
	return nil
}

// closeGroup moves an active group to ENDED and clears its members. Only the
// caller that performs the transition broadcasts vg:closed.
func (c *Coordinator) closeGroup(ctx context.Context, room domain.RoomID, by domain.Identity, reason string) (bool, error) {
	for attempt := 0; ; attempt++ {
		if attempt == maxCASAttempts {
			return false, domain.Unavailable(errContended)
		}
		g, raw, found, err := c.load(ctx, room)
		if err != nil {
			return false, err
		}
		if !found || g.Status != domain.VideoGroupActive {
			return false, nil
		}
		now := c.clock.Now().UTC()
		g.Status = domain.VideoGroupEnded
		g.EndedAt = &now
		g.EndReason = reason
		next, err := json.Marshal(g)
		if err != nil {
			return false, err
		}
		ok, err := c.store.CompareAndSwap(ctx, groupKey(room), raw, string(next), c.cfg.EndedTTL)
		if err != nil {
			return false, domain.Unavailable(err)
		}
		if ok {
			break
		}
	}

	if err := c.dropMembers(ctx, room); err != nil {
		log.Warn().Err(err).Str("module", "app.videogroup").Str("room", string(room)).Msg("member cleanup incomplete")
	}

	c.emit(ctx, core.RoomTopic(room), core.EventVGClosed, closedNotice{RoomID: room, Reason: reason, By: by})
	c.metrics.VideoGroup(string(domain.VideoGroupEnded), reason)
	log.Info().Str("module", "app.videogroup").Str("room", string(room)).Str("reason", reason).Msg("group closed")
	return true, nil
}

// dropMembers empties the member set of room and the reverse entries that
// point at it.
func (c *Coordinator) dropMembers(ctx context.Context, room domain.RoomID) error {
	members, err := c.store.SMembers(ctx, membersKey(room))
	if err != nil {
		return err
	}
	for _, m := range members {
		err = multierr.Append(err, c.store.SRem(ctx, groupsOfKey(domain.Identity(m)), string(room)))
	}
	return multierr.Append(err, c.store.Del(ctx, membersKey(room)))
}

func (c *Coordinator) active(ctx context.Context, room domain.RoomID) (domain.VideoGroup, error) {
	g, _, found, err := c.load(ctx, room)
	if err != nil {
		return domain.VideoGroup{}, err
	}
	if !found || g.Status != domain.VideoGroupActive {
		return domain.VideoGroup{}, domain.Precondition(domain.CodeVGNotActive)
	}
	return g, nil
}

func (c *Coordinator) load(ctx context.Context, room domain.RoomID) (domain.VideoGroup, string, bool, error) {
	raw, err := c.store.Get(ctx, groupKey(room))
	if errors.Is(err, core.ErrNotFound) {
		return domain.VideoGroup{}, "", false, nil
	}
	if err != nil {
		return domain.VideoGroup{}, "", false, domain.Unavailable(err)
	}
	var g domain.VideoGroup
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return domain.VideoGroup{}, "", false, fmt.Errorf("videogroup: decode %s: %w", room, err)
	}
	return g, raw, true, nil
}

func (c *Coordinator) state(ctx context.Context, g domain.VideoGroup) (State, error) {
	members, err := c.store.SMembers(ctx, membersKey(g.RoomID))
	if err != nil {
		return State{}, domain.Unavailable(err)
	}
	return State{VideoGroup: g, Members: toIdentities(members)}, nil
}

// broadcastMembers publishes the committed member list and returns it.
func (c *Coordinator) broadcastMembers(ctx context.Context, room domain.RoomID) []domain.Identity {
	raw, err := c.store.SMembers(ctx, membersKey(room))
	if err != nil {
		log.Warn().Err(err).Str("module", "app.videogroup").Str("room", string(room)).Msg("members not read")
		return nil
	}
	members := toIdentities(raw)
	c.emit(ctx, core.RoomTopic(room), core.EventVGMembers, membersNotice{RoomID: room, Identities: members})
	return members
}

func (c *Coordinator) emit(ctx context.Context, topic, typ string, data any) {
	if err := core.Emit(ctx, c.pub, topic, typ, data); err != nil {
		log.Warn().Err(err).Str("module", "app.videogroup").Str("topic", topic).Str("event", typ).Msg("notify failed")
	}
}

func toIdentities(members []string) []domain.Identity {
	out := make([]domain.Identity, len(members))
	for i, m := range members {
		out[i] = domain.Identity(m)
	}
	return out
}
