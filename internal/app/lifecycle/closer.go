// Package lifecycle closes a room when its owner departs.
package lifecycle

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

// Presence is the part of the room presence tracker the closer needs.
type Presence interface {
	Clear(ctx context.Context, room domain.RoomID) ([]domain.Identity, error)
}

// Groups force-closes the video group hosted by a room.
type Groups interface {
	ForceClose(ctx context.Context, room domain.RoomID, reason string) (bool, error)
}

// ClosedNotice is the room:closed payload.
type ClosedNotice struct {
	RoomID domain.RoomID   `json:"roomId"`
	By     domain.Identity `json:"by"`
}

type RoomCloser struct {
	rooms    core.RoomDirectory
	presence Presence
	groups   Groups
	pub      core.Publisher
	metrics  *metrics.Metrics
}

func NewRoomCloser(rooms core.RoomDirectory, presence Presence, groups Groups, pub core.Publisher, m *metrics.Metrics) *RoomCloser {
	return &RoomCloser{rooms: rooms, presence: presence, groups: groups, pub: pub, metrics: m}
}

// EvaluateDeparture closes room when id is its owner. The directory's
// conditional close picks one winner across all processes; only the winner
// runs the side effects. Failures are logged and reported as not closed.
func (c *RoomCloser) EvaluateDeparture(ctx context.Context, room domain.RoomID, id domain.Identity) bool {
	l := log.With().Str("module", "app.lifecycle").Str("room", string(room)).Str("identity", string(id)).Logger()

	owner, err := c.rooms.RoomOwner(ctx, room)
	if errors.Is(err, core.ErrNotFound) {
		return false
	}
	if err != nil {
		l.Warn().Err(err).Msg("owner lookup failed")
		c.metrics.CleanupError("room_owner")
		return false
	}
	if owner == "" || owner != id {
		return false
	}

	won, err := c.rooms.CloseRoom(ctx, room)
	if err != nil {
		l.Warn().Err(err).Msg("close room failed")
		c.metrics.CleanupError("room_close")
		return false
	}
	if !won {
		l.Debug().Msg("room already closed")
		return false
	}
	c.metrics.RoomClosed()

	if err := c.rooms.MarkMembersLeft(ctx, room); err != nil {
		l.Warn().Err(err).Msg("members not marked left")
		c.metrics.CleanupError("members_left")
	}
	present, err := c.presence.Clear(ctx, room)
	if err != nil {
		l.Warn().Err(err).Msg("presence not cleared")
		c.metrics.CleanupError("presence_clear")
	}
	if _, err := c.groups.ForceClose(ctx, room, domain.CloseReasonRoomClosed); err != nil {
		l.Warn().Err(err).Msg("video group not closed")
		c.metrics.CleanupError("group_close")
	}

	notice := ClosedNotice{RoomID: room, By: id}
	topics := make([]string, 0, len(present)+1)
	for _, p := range present {
		topics = append(topics, core.IdentityTopic(p))
	}
	topics = append(topics, core.RoomTopic(room))

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		topic := topic
		g.Go(func() error {
			return core.Emit(gctx, c.pub, topic, core.EventRoomClosed, notice)
		})
	}
	if err := g.Wait(); err != nil {
		l.Warn().Err(err).Msg("room:closed not fully delivered")
		c.metrics.CleanupError("room_closed_notice")
	}

	l.Info().Int("present", len(present)).Msg("room closed on owner departure")
	return true
}
