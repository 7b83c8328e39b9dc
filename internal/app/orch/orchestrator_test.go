package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/app/fanout"
	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/videogroup"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type resolverMock struct{ mock.Mock }

func (m *resolverMock) ResolveIdentity(ctx context.Context, token string) (domain.Identity, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(domain.Identity), args.Error(1)
}

type env struct {
	o   *Orchestrator
	dir *memory.Directory
	clk *clock.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil)
}

// newEnvWith lets a test wrap the store every component shares.
func newEnvWith(t *testing.T, wrap func(core.Store) core.Store) *env {
	t.Helper()
	clk := clock.NewMock()
	var store core.Store = memory.NewStore(clk)
	if wrap != nil {
		store = wrap(store)
	}
	dir := memory.NewDirectory()
	dir.PutRoom(domain.Room{ID: "lobby", Kind: domain.RoomPublic, Owner: "owner", Open: true})
	dir.PutRoom(domain.Room{ID: "mine", Kind: domain.RoomPublic, Owner: "alice", Open: true})
	dir.PutRoom(domain.Room{ID: "standup", Kind: domain.RoomVideoGroup, Owner: "alice", Open: true})
	dir.PutToken("tok-alice", "alice")

	reg := app.NewRegistry()
	bus := fanout.New(store, reg, nil, "test:", nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	tracker := presence.NewTracker(store, bus)
	groups := videogroup.New(store, bus, dir, clk, config.VideoGroupConfig{
		MinMembers: 2, MaxMembers: 50, DefaultMembers: 12, ActiveTTL: time.Hour, EndedTTL: time.Minute,
	}, nil)
	o := New(Deps{
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
	return &env{o: o, dir: dir, clk: clk}
}

func (e *env) connect(t *testing.T, id string, identity domain.Identity) *coretest.Conn {
	t.Helper()
	c := coretest.NewConn(id, identity)
	require.NoError(t, e.o.OnConnect(context.Background(), c, func() {}))
	return c
}

type ackFrame struct {
	Type  string          `json:"type"`
	Ref   string          `json:"ref"`
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func acks(c *coretest.Conn) []ackFrame {
	var out []ackFrame
	for _, f := range c.Frames() {
		var a ackFrame
		if json.Unmarshal(f, &a) == nil && a.Type == core.EventAck {
			out = append(out, a)
		}
	}
	return out
}

var refs atomic.Int64

// do dispatches one intent and returns its ack.
func (e *env) do(t *testing.T, c *coretest.Conn, typ string, data any) ackFrame {
	t.Helper()
	ref := fmt.Sprintf("%s-%d", typ, refs.Add(1))
	raw, err := json.Marshal(map[string]any{"type": typ, "ref": ref, "data": data})
	require.NoError(t, err)
	e.o.Dispatch(context.Background(), c, raw)
	for _, a := range acks(c) {
		if a.Ref == ref {
			return a
		}
	}
	t.Fatalf("no ack for %s", typ)
	return ackFrame{}
}

func eventually(t *testing.T, c *coretest.Conn, typ string, n int) []core.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.EventsOf(typ)) >= n }, wait, tick, "%s on %s", typ, c.ID())
	return c.EventsOf(typ)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	r := &resolverMock{}
	r.On("ResolveIdentity", mock.Anything, "good-cookie").Return(domain.Identity("alice"), nil)
	r.On("ResolveIdentity", mock.Anything, "stale-cookie").Return(domain.Identity(""), nil)
	r.On("ResolveIdentity", mock.Anything, "broken").Return(domain.Identity(""), errors.New("db down"))
	r.On("ResolveIdentity", mock.Anything, "good-token").Return(domain.Identity("bob"), nil)
	r.On("ResolveIdentity", mock.Anything, "bad-token").Return(domain.Identity(""), nil)
	o := New(Deps{Identity: r})

	id, err := o.Authenticate(ctx, Handshake{Cookie: "good-cookie", Token: "good-token"})
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), id)

	id, err = o.Authenticate(ctx, Handshake{Cookie: "stale-cookie", Token: "good-token"})
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("bob"), id)

	id, err = o.Authenticate(ctx, Handshake{Cookie: "broken", Token: "good-token"})
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("bob"), id)

	_, err = o.Authenticate(ctx, Handshake{Token: "bad-token"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = o.Authenticate(ctx, Handshake{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	r.AssertNotCalled(t, "ResolveIdentity", mock.Anything, "")
}

func TestDispatch_Envelope(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t, "a1", "alice")

	e.o.Dispatch(context.Background(), c, []byte("{not json"))
	got := acks(c)
	require.Len(t, got, 1)
	assert.False(t, got[0].OK)
	assert.Equal(t, domain.CodeBadPayload, got[0].Error)

	a := e.do(t, c, "room:explode", nil)
	assert.Equal(t, domain.CodeUnknownIntent, a.Error)

	a = e.do(t, c, "room:join", map[string]any{"roomId": ""})
	assert.Equal(t, domain.CodeBadPayload, a.Error)

	// No ref, no ack.
	before := len(acks(c))
	e.o.Dispatch(context.Background(), c, []byte(`{"type":"typing:start","data":{"roomId":"lobby"}}`))
	assert.Len(t, acks(c), before)
}

func TestDispatch_Ping(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t, "a1", "alice")
	a := e.do(t, c, "ping", nil)
	assert.True(t, a.OK)
	assert.Len(t, c.EventsOf(core.EventPong), 1)
}

func TestRoomJoinAndMessages(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "a1", "alice")
	bob := e.connect(t, "b1", "bob")

	a := e.do(t, alice, "msg:send", map[string]any{"roomId": "lobby", "text": "hi"})
	assert.Equal(t, domain.CodeNotInRoom, a.Error)

	a = e.do(t, alice, "room:join", map[string]any{"roomId": "nowhere"})
	assert.Equal(t, domain.CodeRoomNotFound, a.Error)

	a = e.do(t, alice, "room:join", map[string]any{"roomId": "lobby"})
	require.True(t, a.OK, a.Error)
	a = e.do(t, bob, "room:join", map[string]any{"roomId": "lobby"})
	require.True(t, a.OK, a.Error)
	var st roomState
	require.NoError(t, json.Unmarshal(a.Data, &st))
	assert.ElementsMatch(t, []domain.Identity{"alice", "bob"}, st.Present)
	eventually(t, alice, core.EventPresenceUpdate, 2)

	a = e.do(t, alice, "msg:send", map[string]any{"roomId": "lobby", "text": "  "})
	assert.Equal(t, domain.CodeBadPayload, a.Error)
	a = e.do(t, alice, "msg:send", map[string]any{"roomId": "lobby", "text": strings.Repeat("é", 4001)})
	assert.Equal(t, domain.CodeBadPayload, a.Error)
	a = e.do(t, alice, "msg:send", map[string]any{"roomId": "lobby", "mediaUrls": []string{"not a url"}})
	assert.Equal(t, domain.CodeBadPayload, a.Error)

	a = e.do(t, alice, "msg:send", map[string]any{"roomId": "lobby", "text": strings.Repeat("é", 4000)})
	require.True(t, a.OK, a.Error)
	a = e.do(t, alice, "msg:send", map[string]any{"roomId": "lobby", "mediaUrls": []string{"https://cdn.example.org/a.png"}})
	require.True(t, a.OK, a.Error)

	msgs := eventually(t, bob, core.EventMessageNew, 2)
	var n messageNotice
	require.NoError(t, json.Unmarshal(msgs[1].Data, &n))
	assert.Equal(t, domain.Identity("alice"), n.Message.From)
	assert.Equal(t, []string{"https://cdn.example.org/a.png"}, n.Message.MediaURLs)
	assert.True(t, e.clk.Now().Equal(n.Message.CreatedAt), "stamped by the injected clock")

	a = e.do(t, bob, "typing:start", map[string]any{"roomId": "lobby"})
	require.True(t, a.OK)
	typing := eventually(t, alice, core.EventTypingUpdate, 1)
	assert.JSONEq(t, `{"roomId":"lobby","identity":"bob","isTyping":true}`, string(typing[0].Data))
}

func TestRoomLeave_OwnerClosesRoom(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "a1", "alice")
	bob := e.connect(t, "b1", "bob")
	for _, c := range []*coretest.Conn{alice, bob} {
		a := e.do(t, c, "room:join", map[string]any{"roomId": "mine"})
		require.True(t, a.OK, a.Error)
	}

	a := e.do(t, bob, "room:leave", map[string]any{"roomId": "mine"})
	require.True(t, a.OK)
	assert.JSONEq(t, `{"roomId":"mine","closed":false}`, string(a.Data))
	a = e.do(t, bob, "room:join", map[string]any{"roomId": "mine"})
	require.True(t, a.OK)

	a = e.do(t, alice, "room:leave", map[string]any{"roomId": "mine"})
	require.True(t, a.OK)
	assert.JSONEq(t, `{"roomId":"mine","closed":true}`, string(a.Data))

	// bob hears it on his identity topic and on the room topic.
	eventually(t, bob, core.EventRoomClosed, 2)
	present, err := e.o.Presence.ListPresent(context.Background(), "mine")
	require.NoError(t, err)
	assert.Empty(t, present)

	a = e.do(t, bob, "room:join", map[string]any{"roomId": "mine"})
	assert.Equal(t, domain.CodeRoomClosed, a.Error)
}

func TestCallIntents(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "a1", "alice")
	bob := e.connect(t, "b1", "bob")
	carol := e.connect(t, "c1", "carol")

	a := e.do(t, alice, "call:start", map[string]any{"targetId": "alice"})
	assert.Equal(t, domain.CodeInvalidTarget, a.Error)

	a = e.do(t, alice, "call:start", map[string]any{"targetId": "bob"})
	require.True(t, a.OK, a.Error)
	var call domain.Call
	require.NoError(t, json.Unmarshal(a.Data, &call))
	eventually(t, bob, core.EventCallRing, 1)

	a = e.do(t, carol, "call:start", map[string]any{"targetId": "bob"})
	assert.Equal(t, domain.CodeTargetBusy, a.Error)
	assert.JSONEq(t, `{"callId":"`+string(call.ID)+`"}`, string(a.Data))
	eventually(t, carol, core.EventCallBusy, 1)

	a = e.do(t, alice, "call:offer", map[string]any{"callId": call.ID})
	assert.Equal(t, domain.CodeBadPayload, a.Error, "offer without sdp")
	a = e.do(t, alice, "call:offer", map[string]any{"callId": call.ID, "sdp": map[string]string{"type": "offer", "sdp": "opaque-app-defined"}})
	require.True(t, a.OK, a.Error)
	offers := eventually(t, bob, core.EventCallOffer, 1)
	assert.JSONEq(t, `{"callId":"`+string(call.ID)+`","from":"alice","sdp":{"type":"offer","sdp":"opaque-app-defined"}}`, string(offers[0].Data))
	a = e.do(t, alice, "call:ice", map[string]any{"callId": call.ID, "candidate": map[string]string{"candidate": "candidate:1 1 udp 1 10.0.0.1 9 typ host"}})
	require.True(t, a.OK, a.Error)
	eventually(t, bob, core.EventCallICE, 1)

	a = e.do(t, bob, "call:accept", map[string]any{"callId": call.ID})
	require.True(t, a.OK, a.Error)
	eventually(t, alice, core.EventCallAccepted, 1)

	a = e.do(t, bob, "call:end", map[string]any{"callId": call.ID})
	require.True(t, a.OK, a.Error)
	eventually(t, alice, core.EventCallEnded, 1)
}

func TestGroupIntents(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "a1", "alice")
	bob := e.connect(t, "b1", "bob")

	a := e.do(t, alice, "vg:start", map[string]any{"roomId": "lobby"})
	assert.Equal(t, domain.CodeNotVideoGroupRoom, a.Error)

	a = e.do(t, alice, "vg:start", map[string]any{"roomId": "standup", "maxUsers": 2})
	require.True(t, a.OK, a.Error)
	a = e.do(t, bob, "vg:join", map[string]any{"roomId": "standup"})
	require.True(t, a.OK, a.Error)
	eventually(t, alice, core.EventVGMembers, 2)

	a = e.do(t, bob, "vg:kick", map[string]any{"roomId": "standup", "targetId": "alice"})
	assert.Equal(t, domain.CodeOwnerOnly, a.Error)

	a = e.do(t, alice, "vg:leave", map[string]any{"roomId": "standup"})
	require.True(t, a.OK, a.Error)
	assert.JSONEq(t, `{"roomId":"standup","closed":true}`, string(a.Data))
	eventually(t, bob, core.EventVGClosed, 1)
}

func TestOnDisconnect_LastConnectionCleansUp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a1 := e.connect(t, "a1", "alice")
	a2 := e.connect(t, "a2", "alice")
	bob := e.connect(t, "b1", "bob")

	for _, room := range []string{"lobby", "mine"} {
		require.True(t, e.do(t, a1, "room:join", map[string]any{"roomId": room}).OK)
		require.True(t, e.do(t, bob, "room:join", map[string]any{"roomId": room}).OK)
	}
	require.True(t, e.do(t, a1, "call:start", map[string]any{"targetId": "bob"}).OK)
	require.True(t, e.do(t, a2, "vg:start", map[string]any{"roomId": "standup"}).OK)

	e.o.OnDisconnect(a1)
	online, err := e.o.Online.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	present, err := e.o.Presence.IsPresent(ctx, "lobby", "alice")
	require.NoError(t, err)
	assert.True(t, present, "another tab is still connected")

	e.o.OnDisconnect(a2)
	online, err = e.o.Online.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	rooms, err := e.o.Presence.ListRoomsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, rooms)
	open, err := e.dir.IsRoomOpen(ctx, "mine")
	require.NoError(t, err)
	assert.False(t, open, "owner left by disconnecting")
	open, err = e.dir.IsRoomOpen(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, open)

	_, busy, err := e.o.Calls.ActiveCallOf(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, busy)
	ended := eventually(t, bob, core.EventCallEnded, 1)
	assert.Contains(t, string(ended[0].Data), domain.EndReasonDisconnected)

	g, err := e.o.Groups.Get(ctx, "standup")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoGroupEnded, g.Status)

	assert.Equal(t, 1, e.o.Registry.Len())
	eventually(t, bob, core.EventRoomClosed, 1)
}

// flakyReleaseStore fails the next n refcount releases.
type flakyReleaseStore struct {
	core.Store
	fails atomic.Int32
}

func (s *flakyReleaseStore) Release(ctx context.Context, counterKey, zsetKey, member string) (int64, error) {
	if s.fails.Add(-1) >= 0 {
		return 0, errors.New("store timeout")
	}
	return s.Store.Release(ctx, counterKey, zsetKey, member)
}

func TestOnDisconnect_ReleaseFailureStillCleansUp(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fails int32
	}{
		{name: "retry succeeds", fails: 1},
		{name: "release keeps failing", fails: 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			flaky := &flakyReleaseStore{}
			e := newEnvWith(t, func(inner core.Store) core.Store {
				flaky.Store = inner
				return flaky
			})
			ctx := context.Background()
			a := e.connect(t, "a1", "alice")
			require.True(t, e.do(t, a, "room:join", map[string]any{"roomId": "lobby"}).OK)
			require.True(t, e.do(t, a, "vg:start", map[string]any{"roomId": "standup"}).OK)

			flaky.fails.Store(tc.fails)
			e.o.OnDisconnect(a)

			st, err := e.o.Groups.Get(ctx, "standup")
			require.NoError(t, err)
			assert.Equal(t, domain.VideoGroupEnded, st.Status)
			assert.Empty(t, st.Members)
			rooms, err := e.o.Presence.ListRoomsFor(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, rooms)
		})
	}
}

func TestOnDisconnect_ReleaseFailureKeepsOtherTab(t *testing.T) {
	flaky := &flakyReleaseStore{}
	e := newEnvWith(t, func(inner core.Store) core.Store {
		flaky.Store = inner
		return flaky
	})
	ctx := context.Background()
	a1 := e.connect(t, "a1", "alice")
	e.connect(t, "a2", "alice")
	require.True(t, e.do(t, a1, "room:join", map[string]any{"roomId": "lobby"}).OK)

	flaky.fails.Store(100)
	e.o.OnDisconnect(a1)

	present, err := e.o.Presence.IsPresent(ctx, "lobby", "alice")
	require.NoError(t, err)
	assert.True(t, present, "the refcount still shows a second connection")
}
