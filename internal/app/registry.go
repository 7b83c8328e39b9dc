package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type connEntry struct {
	Conn   core.Connection
	Topics map[string]struct{}
	Cancel context.CancelFunc
}

// Registry is the process-local hub: which live connections are attached to
// which fan-out topics. It never closes adapter-owned resources except via
// the cancel func handed to Bind.
type Registry struct {
	mu     sync.RWMutex
	conns  map[core.ConnID]*connEntry
	topics map[string]map[core.ConnID]core.Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[core.ConnID]*connEntry),
		topics: make(map[string]map[core.ConnID]core.Connection),
	}
}

func (r *Registry) Bind(conn core.Connection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = &connEntry{
		Conn:   conn,
		Topics: make(map[string]struct{}),
		Cancel: cancel,
	}
	log.Debug().Str("module", "app.registry").Str("conn", string(conn.ID())).Str("identity", string(conn.Identity())).Msg("bound connection")
}

// Unbind forgets the connection and returns the topics that no longer have
// any local connection.
func (r *Registry) Unbind(id core.ConnID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	var idle []string
	for topic := range e.Topics {
		if r.detachLocked(id, topic) {
			idle = append(idle, topic)
		}
	}
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Int("idle_topics", len(idle)).Msg("unbind connection")
	return idle
}

func (r *Registry) Get(id core.ConnID) (core.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Attach reports whether conn is the first local connection on topic.
// Attaching twice is a no-op.
func (r *Registry) Attach(id core.ConnID, topic string) (first bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.conns[id]
	if !found {
		return false, false
	}
	if _, already := e.Topics[topic]; already {
		return false, true
	}
	e.Topics[topic] = struct{}{}
	set, exists := r.topics[topic]
	if !exists {
		set = make(map[core.ConnID]core.Connection)
		r.topics[topic] = set
	}
	set[id] = e.Conn
	return !exists, true
}

// Detach reports whether topic has no local connection left.
func (r *Registry) Detach(id core.ConnID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		delete(e.Topics, topic)
	}
	return r.detachLocked(id, topic)
}

func (r *Registry) detachLocked(id core.ConnID, topic string) bool {
	set, ok := r.topics[topic]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.topics, topic)
		return true
	}
	return false
}

// DetachIdentity removes every local connection of identity from topic and
// returns whether topic went idle.
func (r *Registry) DetachIdentity(identity domain.Identity, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idle := false
	for id, c := range r.topics[topic] {
		if c.Identity() != identity {
			continue
		}
		if e, ok := r.conns[id]; ok {
			delete(e.Topics, topic)
		}
		if r.detachLocked(id, topic) {
			idle = true
		}
	}
	return idle
}

func (r *Registry) HasTopic(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

// Topics lists every topic with at least one local connection.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// Deliver hands data to every local connection on topic without blocking.
func (r *Registry) Deliver(topic string, data core.Frame) core.PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := core.PublishResult{}
	for _, c := range r.topics[topic] {
		if err := c.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, c)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.registry").Str("topic", topic).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("deliver result")
	return res
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}

// CancelAll cancels every bound connection, used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	entries := make([]*connEntry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
	return len(entries)
}
