package domain

import "time"

type VideoGroupStatus string

const (
	VideoGroupActive VideoGroupStatus = "ACTIVE"
	VideoGroupEnded  VideoGroupStatus = "ENDED"
)

const (
	CloseReasonDefault    = "CLOSED"
	CloseReasonOwnerLeft  = "OWNER_LEFT"
	CloseReasonRoomClosed = "ROOM_CLOSED"
)

// VideoGroup is the multi-party call hosted by a room. Its members live in a
// separate set next to the record.
type VideoGroup struct {
	RoomID     RoomID           `json:"roomId"`
	Owner      Identity         `json:"owner"`
	Status     VideoGroupStatus `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	EndedAt    *time.Time       `json:"endedAt"`
	EndReason  string           `json:"endReason,omitempty"`
	MaxMembers int              `json:"maxMembers"`
}
