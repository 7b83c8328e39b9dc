package app

import "github.com/dkeye/huddle/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(topic string, conn core.Connection) BackpressureAction
}

// SimplePolicy disconnects any connection whose buffer is full. The client
// reconnects and re-syncs from the store.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(string, core.Connection) BackpressureAction {
	return KickMember
}
