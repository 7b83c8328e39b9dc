package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

// Published is one event captured by Recorder.
type Published struct {
	Topic string
	Event core.Event
}

// Recorder is a core.Publisher that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

var _ core.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, topic string, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Event: ev})
	return nil
}

// To returns events published on topic, optionally filtered by type.
func (r *Recorder) To(topic string, types ...string) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, p := range r.events {
		if p.Topic != topic {
			continue
		}
		if len(types) > 0 && !contains(types, p.Event.Type) {
			continue
		}
		out = append(out, p.Event)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
