package calls

import "github.com/dkeye/huddle/internal/domain"

type ringNotice struct {
	CallID domain.CallID   `json:"callId"`
	From   domain.Identity `json:"from"`
	RoomID *domain.RoomID  `json:"roomId"`
}

type acceptedNotice struct {
	CallID domain.CallID   `json:"callId"`
	By     domain.Identity `json:"by"`
}

type endedNotice struct {
	CallID domain.CallID   `json:"callId"`
	Reason string          `json:"reason"`
	By     domain.Identity `json:"by,omitempty"`
}

type busyNotice struct {
	TargetID domain.Identity `json:"targetId"`
}
