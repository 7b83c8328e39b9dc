package domain

import "time"

type CallID string

type CallStatus string

const (
	CallRinging CallStatus = "RINGING"
	CallActive  CallStatus = "ACTIVE"
	CallEnded   CallStatus = "ENDED"
)

const (
	EndReasonDefault      = "ENDED"
	EndReasonTimeout      = "TIMEOUT"
	EndReasonDisconnected = "DISCONNECTED"
)

// Call is one call attempt between two identities.
type Call struct {
	ID         CallID     `json:"id"`
	Caller     Identity   `json:"caller"`
	Callee     Identity   `json:"callee"`
	RoomID     *RoomID    `json:"roomId"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt"`
	EndedAt    *time.Time `json:"endedAt"`
	EndReason  string     `json:"endReason,omitempty"`
	EndedBy    Identity   `json:"endedBy,omitempty"`
}

// Peer returns the other participant, or false when id is not part of the call.
func (c *Call) Peer(id Identity) (Identity, bool) {
	switch id {
	case c.Caller:
		return c.Callee, true
	case c.Callee:
		return c.Caller, true
	}
	return "", false
}

type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICE:
		return true
	}
	return false
}
