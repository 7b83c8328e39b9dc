package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump owns the connection's lifetime: when it returns the connection
// is closed and the orchestrator runs its disconnect path exactly once.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Str("identity", string(c.identity)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.OnDisconnect(c)
		ctl.live.Done()
	}()

	pongWait := ctl.pingPeriod * 10 / 9
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
				}
				return
			}
			_ = extend()
			if ctl.Limiter != nil && !ctl.Limiter.Allow(c.identity) {
				ctl.Orch.Reject(c, data, domain.CodeRateLimited)
				continue
			}
			ctl.Orch.Dispatch(ctx, c, data)
		}
	}
}
