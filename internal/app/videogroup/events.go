package videogroup

import "github.com/dkeye/huddle/internal/domain"

// State is a group record together with its current members.
type State struct {
	domain.VideoGroup
	Members []domain.Identity `json:"members"`
}

type startedNotice struct {
	RoomID     domain.RoomID   `json:"roomId"`
	Owner      domain.Identity `json:"owner"`
	MaxMembers int             `json:"maxMembers"`
}

type membersNotice struct {
	RoomID     domain.RoomID     `json:"roomId"`
	Identities []domain.Identity `json:"identities"`
}

type closedNotice struct {
	RoomID domain.RoomID   `json:"roomId"`
	Reason string          `json:"reason"`
	By     domain.Identity `json:"by,omitempty"`
}

type kickedNotice struct {
	RoomID domain.RoomID   `json:"roomId"`
	By     domain.Identity `json:"by"`
}
