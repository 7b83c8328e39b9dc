package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/app/orch/orchtest"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
)

type frame struct {
	Type  string          `json:"type"`
	Ref   string          `json:"ref"`
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type harness struct {
	srv    *httptest.Server
	stack  *orchtest.Stack
	ctl    *SignalWSController
	cancel context.CancelFunc
}

func newServer(t *testing.T, limiter *RateLimiter) (*httptest.Server, *orchtest.Stack) {
	t.Helper()
	h := newHarness(t, limiter)
	return h.srv, h.stack
}

// newHarness also exposes the controller and the cancel of the context all
// connections hang off.
func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := memory.NewDirectory()
	dir.PutToken("tok-alice", "alice")
	dir.PutToken("tok-bob", "bob")
	stack := orchtest.New(t, dir)

	ctl := NewSignalWSController(stack.Orch, limiter, &config.Config{
		ReadLimit:  4096,
		PingPeriod: 5 * time.Second,
		CookieName: "bc_session",
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/api/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, stack: stack, ctl: ctl, cancel: cancel}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// next reads frames until one matches typ.
func next(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestHandleSignal_RejectsUnauthenticated(t *testing.T) {
	srv, _ := newServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv)+"?session_key=nope", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleSignal_CookieAndFallbacks(t *testing.T) {
	srv, stack := newServer(t, nil)
	ctx := context.Background()

	dial(t, wsURL(srv), http.Header{"Cookie": {"bc_session=tok-alice"}})
	dial(t, wsURL(srv)+"?session_key=tok-bob", nil)

	require.Eventually(t, func() bool {
		n, err := stack.Orch.Online.OnlineCount(ctx)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	dial(t, wsURL(srv), http.Header{"X-Session-Key": {"tok-bob"}})
	require.Eventually(t, func() bool { return stack.Orch.Registry.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSignal_PingAndAck(t *testing.T) {
	srv, _ := newServer(t, nil)
	ws := dial(t, wsURL(srv)+"?session_key=tok-alice", nil)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping", "ref": "p1"}))
	next(t, ws, "pong")
	ack := next(t, ws, "ack")
	assert.Equal(t, "p1", ack.Ref)
	assert.True(t, ack.OK)
}

func TestHandleSignal_RateLimited(t *testing.T) {
	srv, _ := newServer(t, NewRateLimiter(2, time.Hour, nil))
	ws := dial(t, wsURL(srv)+"?session_key=tok-alice", nil)

	for _, ref := range []string{"1", "2", "3"} {
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping", "ref": ref}))
	}
	var got []frame
	for len(got) < 3 {
		got = append(got, next(t, ws, "ack"))
	}
	assert.True(t, got[0].OK)
	assert.True(t, got[1].OK)
	assert.False(t, got[2].OK)
	assert.Equal(t, domain.CodeRateLimited, got[2].Error)
}

func TestHandleSignal_DisconnectCleansUp(t *testing.T) {
	srv, stack := newServer(t, nil)
	ctx := context.Background()
	stack.Dir.PutRoom(domain.Room{ID: "lobby", Kind: domain.RoomPublic, Owner: "owner", Open: true})

	ws := dial(t, wsURL(srv)+"?session_key=tok-alice", nil)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "room:join", "ref": "j", "data": map[string]string{"roomId": "lobby"}}))
	require.True(t, next(t, ws, "ack").OK)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		online, err := stack.Orch.Online.IsOnline(ctx, "alice")
		if err != nil || online {
			return false
		}
		present, err := stack.Orch.Presence.ListPresent(ctx, "lobby")
		return err == nil && len(present) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, stack.Orch.Registry.Len())
}

func TestDrain_WaitsForDisconnectCleanup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dial(t, wsURL(h.srv)+"?session_key=tok-alice", nil)
	dial(t, wsURL(h.srv)+"?session_key=tok-bob", nil)
	require.Eventually(t, func() bool {
		n, err := h.stack.Orch.Online.OnlineCount(ctx)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, h.ctl.Drain(short), context.DeadlineExceeded, "connections still live")

	h.cancel()
	drainCtx, cancelDrain := context.WithTimeout(ctx, 2*time.Second)
	defer cancelDrain()
	require.NoError(t, h.ctl.Drain(drainCtx))

	n, err := h.stack.Orch.Online.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "cleanup finished before Drain returned")
	assert.Zero(t, h.stack.Orch.Registry.Len())
}
