package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type callStartPayload struct {
	TargetID domain.Identity `json:"targetId" validate:"required,max=128"`
	RoomID   *domain.RoomID  `json:"roomId" validate:"omitempty,max=128"`
}

type callPayload struct {
	CallID domain.CallID `json:"callId" validate:"required,max=64"`
	Reason string        `json:"reason" validate:"max=64"`
}

type callSignalPayload struct {
	CallID    domain.CallID   `json:"callId" validate:"required,max=64"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

type groupStartPayload struct {
	RoomID   domain.RoomID `json:"roomId" validate:"required,max=128"`
	MaxUsers int           `json:"maxUsers" validate:"min=0,max=1000"`
}

type groupTargetPayload struct {
	RoomID   domain.RoomID   `json:"roomId" validate:"required,max=128"`
	TargetID domain.Identity `json:"targetId" validate:"required,max=128"`
}

type groupClosePayload struct {
	RoomID domain.RoomID `json:"roomId" validate:"required,max=128"`
	Reason string        `json:"reason" validate:"max=64"`
}

type groupSignalPayload struct {
	RoomID    domain.RoomID   `json:"roomId" validate:"required,max=128"`
	TargetID  domain.Identity `json:"targetId" validate:"required,max=128"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

// signalBody picks the payload field relevant for kind and checks its shape.
func signalBody(kind domain.SignalKind, sdp, candidate json.RawMessage) (json.RawMessage, error) {
	body := sdp
	if kind == domain.SignalICE {
		body = candidate
	}
	if err := rtc.CheckSignal(kind, body); err != nil {
		return nil, domain.Validation(domain.CodeBadPayload)
	}
	return body, nil
}

func (o *Orchestrator) handleCallStart(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p callStartPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	return o.Calls.Start(ctx, conn.Identity(), p.TargetID, p.RoomID)
}

func (o *Orchestrator) handleCallAccept(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p callPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	return o.Calls.Accept(ctx, p.CallID, conn.Identity())
}

func (o *Orchestrator) handleCallSignal(kind domain.SignalKind) handler {
	return func(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
		var p callSignalPayload
		if err := o.decode(data, &p); err != nil {
			return nil, err
		}
		body, err := signalBody(kind, p.SDP, p.Candidate)
		if err != nil {
			return nil, err
		}
		return nil, o.Calls.RelaySignal(ctx, kind, p.CallID, conn.Identity(), body)
	}
}

func (o *Orchestrator) handleCallEnd(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p callPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	return o.Calls.End(ctx, p.CallID, conn.Identity(), p.Reason)
}

// Group participants follow the room topic, where membership and closure
// notices are published.
func (o *Orchestrator) handleGroupStart(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p groupStartPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	if err := o.Bus.Attach(ctx, conn.ID(), core.RoomTopic(p.RoomID)); err != nil {
		return nil, domain.Unavailable(err)
	}
	st, err := o.Groups.Start(ctx, p.RoomID, conn.Identity(), p.MaxUsers)
	if err != nil {
		o.unfollow(ctx, conn, p.RoomID)
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) handleGroupJoin(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	if err := o.Bus.Attach(ctx, conn.ID(), core.RoomTopic(p.RoomID)); err != nil {
		return nil, domain.Unavailable(err)
	}
	st, err := o.Groups.Join(ctx, p.RoomID, conn.Identity())
	if err != nil {
		o.unfollow(ctx, conn, p.RoomID)
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) handleGroupLeave(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	closed, err := o.Groups.Leave(ctx, p.RoomID, conn.Identity())
	if err != nil {
		return nil, err
	}
	o.unfollow(ctx, conn, p.RoomID)
	return leaveResult{RoomID: p.RoomID, Closed: closed}, nil
}

func (o *Orchestrator) handleGroupKick(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p groupTargetPayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, o.Groups.Kick(ctx, p.RoomID, conn.Identity(), p.TargetID)
}

func (o *Orchestrator) handleGroupClose(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
	var p groupClosePayload
	if err := o.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, o.Groups.Close(ctx, p.RoomID, conn.Identity(), p.Reason)
}

func (o *Orchestrator) handleGroupSignal(kind domain.SignalKind) handler {
	return func(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error) {
		var p groupSignalPayload
		if err := o.decode(data, &p); err != nil {
			return nil, err
		}
		body, err := signalBody(kind, p.SDP, p.Candidate)
		if err != nil {
			return nil, err
		}
		return nil, o.Groups.RelaySignal(ctx, kind, p.RoomID, conn.Identity(), p.TargetID, body)
	}
}

// unfollow detaches conn from the room topic unless its identity is still
// present in the room.
func (o *Orchestrator) unfollow(ctx context.Context, conn core.Connection, room domain.RoomID) {
	present, err := o.Presence.IsPresent(ctx, room, conn.Identity())
	if err != nil || present {
		return
	}
	if err := o.Bus.Detach(ctx, conn.ID(), core.RoomTopic(room)); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(room)).Msg("detach room topic")
	}
}
