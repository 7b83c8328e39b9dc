package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	sendBuffer      = 64
	writeWait       = 5 * time.Second
	tokenQueryParam = "session_key"
	tokenHeader     = "X-Session-Key"
)

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter

	readLimit  int64
	pingPeriod time.Duration
	cookieName string

	// live counts connections whose disconnect path has not finished.
	live sync.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, cfg *config.Config) *SignalWSController {
	ping := cfg.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	return &SignalWSController{
		Orch:       o,
		Limiter:    limiter,
		readLimit:  cfg.ReadLimit,
		pingPeriod: ping,
		cookieName: cfg.CookieName,
	}
}

// WsSignalConn is one client socket. Frames are queued and written by the
// write pump; a full queue is reported as backpressure, never blocks.
type WsSignalConn struct {
	id       core.ConnID
	identity domain.Identity
	conn     *websocket.Conn
	send     chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.Connection = (*WsSignalConn)(nil)

func newWsSignalConn(ws *websocket.Conn, identity domain.Identity) *WsSignalConn {
	return &WsSignalConn{
		id:       core.ConnID(uuid.NewString()),
		identity: identity,
		conn:     ws,
		send:     make(chan core.Frame, sendBuffer),
	}
}

func (c *WsSignalConn) ID() core.ConnID           { return c.id }
func (c *WsSignalConn) Identity() domain.Identity { return c.identity }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandshakeFrom collects the session cookie and the fallback token of a
// request.
func HandshakeFrom(c *gin.Context, cookieName string) orch.Handshake {
	h := orch.Handshake{Token: c.Query(tokenQueryParam)}
	if h.Token == "" {
		h.Token = c.GetHeader(tokenHeader)
	}
	if cookieName != "" {
		h.Cookie, _ = c.Cookie(cookieName)
	}
	return h
}

// HandleSignal authenticates before upgrading: unauthenticated requests
// never get a socket.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	identity, err := ctl.Orch.Authenticate(c.Request.Context(), HandshakeFrom(c, ctl.cookieName))
	if err != nil {
		log.Info().Str("module", "signal").Str("remote", c.ClientIP()).Msg("rejected unauthenticated connection")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.CodeUnauthorized})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	conn := newWsSignalConn(ws, identity)
	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Orch.OnConnect(ctx, conn, cancel); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("identity", string(identity)).Msg("connect")
		cancel()
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(conn.ID())).Str("identity", string(identity)).Msg("new WS connection")

	ctl.live.Add(1)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

// Drain waits until every accepted connection has run its disconnect
// cleanup, or ctx is done. Callers cancel the connections first.
func (ctl *SignalWSController) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ctl.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
