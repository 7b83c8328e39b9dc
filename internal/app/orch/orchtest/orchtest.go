// Package orchtest assembles a single-process orchestrator over the
// in-memory store for adapter tests.
package orchtest

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/app/fanout"
	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/videogroup"
	"github.com/dkeye/huddle/internal/config"
)

type Stack struct {
	Orch  *orch.Orchestrator
	Store *memory.Store
	Dir   *memory.Directory
	Clock *clock.Mock
}

// New starts a fan-out bus and wires every coordinator to it. The bus is
// stopped when the test ends.
func New(t *testing.T, dir *memory.Directory) *Stack {
	t.Helper()
	clk := clock.NewMock()
	store := memory.NewStore(clk)
	if dir == nil {
		dir = memory.NewDirectory()
	}

	reg := app.NewRegistry()
	bus := fanout.New(store, reg, nil, "test:", nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	tracker := presence.NewTracker(store, bus)
	groups := videogroup.New(store, bus, dir, clk, config.VideoGroupConfig{
		MinMembers: 2, MaxMembers: 50, DefaultMembers: 12, ActiveTTL: time.Hour, EndedTTL: time.Minute,
	}, nil)
	o := orch.New(orch.Deps{
		Registry: reg,
		Bus:      bus,
		Identity: dir,
		Rooms:    dir,
		Online:   presence.NewIndex(store, clk, config.PresenceConfig{}),
		Presence: tracker,
		Calls: calls.New(store, bus, clk, config.CallsConfig{
			RingTimeout: 90 * time.Second, RingGrace: 10 * time.Second, ActiveTTL: 30 * time.Minute, EndedTTL: time.Minute,
		}, time.Second, nil),
		Groups:    groups,
		Closer:    lifecycle.NewRoomCloser(dir, tracker, groups, bus, nil),
		Clock:     clk,
		OpTimeout: time.Second,
	})
	return &Stack{Orch: o, Store: store, Dir: dir, Clock: clk}
}
