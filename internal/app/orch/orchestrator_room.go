package orch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type roomPayload struct {
	RoomID domain.RoomID `json:"roomId" validate:"required,max=128"`
}

type roomState struct {
	RoomID  domain.RoomID     `json:"roomId"`
	Present []domain.Identity `json:"present"`
}

type leaveResult struct {
	RoomID domain.RoomID `json:"roomId"`
	Closed bool          `json:"closed"`
}

type messagePayload struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required,max=128"`
	Text      string        `json:"text" validate:"max=4000"`
	MediaURLs []string      `json:"mediaUrls" validate:"max=10,dive,required,url"`
}

// Message is relayed live to the room and not stored.
type Message struct {
	ID        string          `json:"id"`
	RoomID    domain.RoomID   `json:"roomId"`
	From      domain.Identity `json:"from"`
	Text      string          `json:"text,omitempty"`
	MediaURLs []string        `json:"mediaUrls,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type messageNotice struct {
	RoomID  domain.RoomID `json:"roomId"`
	Message Message       `json:"message"`
}

type typingNotice struct {
	RoomID   domain.RoomID   `json:"roomId"`
	Identity domain.Identity `json:"identity"`
	IsTyping bool            `json:"isTyping"`
}

func (o *Orchestrator) handleRoomJoin(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	room, err := o.Rooms.LookupRoom(ctx, p.RoomID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, domain.Precondition(domain.CodeRoomNotFound)
	}
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	if !room.Open {
		return nil, domain.Precondition(domain.CodeRoomClosed)
	}

	if err := o.Bus.Attach(ctx, conn.ID(), core.RoomTopic(p.RoomID)); err != nil {
		return nil, domain.Unavailable(err)
	}
	present, err := o.Presence.Join(ctx, p.RoomID, conn.Identity())
	if err != nil {
		if derr := o.Bus.Detach(ctx, conn.ID(), core.RoomTopic(p.RoomID)); derr != nil {
			log.Warn().Err(derr).Str("module", "orch").Str("room", string(p.RoomID)).Msg("detach after failed join")
		}
		return nil, err
	}
	return roomState{RoomID: p.RoomID, Present: present}, nil
}

// handleRoomLeave drops the identity from the room on every local tab and
// closes the room when the owner is the one leaving.
func (o *Orchestrator) handleRoomLeave(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	id := conn.Identity()
	if _, err := o.Presence.Leave(ctx, p.RoomID, id); err != nil {
		return nil, err
	}
	if err := o.Bus.DetachIdentity(ctx, id, core.RoomTopic(p.RoomID)); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(p.RoomID)).Msg("detach room topic")
	}
	closed := o.Closer.EvaluateDeparture(ctx, p.RoomID, id)
	return leaveResult{RoomID: p.RoomID, Closed: closed}, nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p messagePayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" && len(p.MediaURLs) == 0 {
		return nil, domain.Validation(domain.CodeBadPayload)
	}
	if err := o.requirePresent(ctx, p.RoomID, conn.Identity()); err != nil {
		return nil, err
	}

	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    p.RoomID,
		From:      conn.Identity(),
		Text:      p.Text,
		MediaURLs: p.MediaURLs,
		CreatedAt: o.clock.Now().UTC(),
	}
	if err := core.Emit(ctx, o.Bus, core.RoomTopic(p.RoomID), core.EventMessageNew, messageNotice{RoomID: p.RoomID, Message: msg}); err != nil {
		return nil, domain.Unavailable(err)
	}
	return msg, nil
}

func (o *Orchestrator) handleTyping(typing bool) handler {
	return func(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
		var p roomPayload
		if err := o.decode(data, &p); err != nil {
			return nil, err
		}
		if err := o.requirePresent(ctx, p.RoomID, conn.Identity()); err != nil {
			return nil, err
		}
		notice := typingNotice{RoomID: p.RoomID, Identity: conn.Identity(), IsTyping: typing}
		if err := core.Emit(ctx, o.Bus, core.RoomTopic(p.RoomID), core.EventTypingUpdate, notice); err != nil {
			return nil, domain.Unavailable(err)
		}
		return nil, nil
	}
}

func (o *Orchestrator) requirePresent(ctx context.Context, room domain.RoomID, id domain.Identity) error {
	ok, err := o.Presence.IsPresent(ctx, room, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Precondition(domain.CodeNotInRoom)
	}
	return nil
}
