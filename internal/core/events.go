package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
)

// Outbound event types.
const (
	EventPresenceUpdate = "presence:update"
	EventRoomClosed     = "room:closed"
	EventMessageNew     = "msg:new"
	EventTypingUpdate   = "typing:update"

	EventCallRing     = "call:ring"
	EventCallAccepted = "call:accepted"
	EventCallOffer    = "call:offer"
	EventCallAnswer   = "call:answer"
	EventCallICE      = "call:ice"
	EventCallEnded    = "call:ended"
	EventCallBusy     = "call:busy"

	EventVGStarted = "vg:started"
	EventVGMembers = "vg:members"
	EventVGClosed  = "vg:closed"
	EventVGKicked  = "vg:kicked"
	EventVGOffer   = "vg:offer"
	EventVGAnswer  = "vg:answer"
	EventVGICE     = "vg:ice"

	EventAck  = "ack"
	EventPong = "pong"
)

// Event is the fan-out envelope delivered to connections.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an Event.
func NewEvent(typ string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: raw}, nil
}

// Publisher fans an event out to every connection bound to topic, on any
// process.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// IdentityTopic is the private channel of one identity.
func IdentityTopic(id domain.Identity) string { return "identity:" + string(id) }

// RoomTopic is the live channel of one room.
func RoomTopic(id domain.RoomID) string { return "room:" + string(id) }

// Emit builds and publishes an event, returning the first error.
func Emit(ctx context.Context, p Publisher, topic, typ string, data any) error {
	ev, err := NewEvent(typ, data)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, ev)
}
