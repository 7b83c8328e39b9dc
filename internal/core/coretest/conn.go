// Package coretest provides in-memory core.Connection doubles for tests.
package coretest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

var (
	ErrFull   = errors.New("coretest: buffer full")
	ErrClosed = errors.New("coretest: connection closed")
)

// Conn records every frame it accepts. Capacity <= 0 means unbounded.
type Conn struct {
	id       core.ConnID
	identity domain.Identity
	capacity int

	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

var _ core.Connection = (*Conn)(nil)

func NewConn(id string, identity domain.Identity) *Conn {
	return &Conn{id: core.ConnID(id), identity: identity}
}

// WithCapacity makes TrySend fail once n frames are buffered.
func (c *Conn) WithCapacity(n int) *Conn {
	c.capacity = n
	return c
}

func (c *Conn) ID() core.ConnID           { return c.id }
func (c *Conn) Identity() domain.Identity { return c.identity }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.capacity > 0 && len(c.frames) >= c.capacity {
		return ErrFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of every received frame.
func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

// Events decodes every received frame.
func (c *Conn) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Event, 0, len(c.frames))
	for _, f := range c.frames {
		var ev core.Event
		if err := json.Unmarshal(f, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// EventsOf returns received events of one type.
func (c *Conn) EventsOf(typ string) []core.Event {
	var out []core.Event
	for _, ev := range c.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
