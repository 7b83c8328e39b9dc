package core

import "github.com/dkeye/huddle/internal/domain"

// Frame is a raw serialized event.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ConnID identifies one live connection on this process.
type ConnID string

// Connection is a SignalConnection bound to exactly one identity for its
// lifetime.
type Connection interface {
	SignalConnection
	ID() ConnID
	Identity() domain.Identity
}

// PublishResult reports local delivery stats and backpressure.
type PublishResult struct {
	SendTo  int
	Dropped []Connection
}
