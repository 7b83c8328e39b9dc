package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const identityKey = "identity"

type handlers struct {
	orch  *orch.Orchestrator
	store core.Store
	cfg   *config.Config
}

type onlineQuery struct {
	Limit  int    `form:"limit" binding:"min=0"`
	Cursor string `form:"cursor" binding:"max=512"`
}

// IdentityMiddleware resolves the caller the same way the socket endpoint
// does and aborts with 401 otherwise.
func IdentityMiddleware(o *orch.Orchestrator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := o.Authenticate(c.Request.Context(), signal.HandshakeFrom(c, cookieName))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) listOnline(c *gin.Context) {
	var q onlineQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, domain.Validation(domain.CodeBadPayload))
		return
	}
	page, err := h.orch.Online.ListOnline(c.Request.Context(), q.Limit, q.Cursor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handlers) onlineCount(c *gin.Context) {
	n, err := h.orch.Online.OnlineCount(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *handlers) isOnline(c *gin.Context) {
	id := domain.Identity(c.Param("id"))
	if id.Validate() != nil {
		writeError(c, domain.Validation(domain.CodeBadPayload))
		return
	}
	online, err := h.orch.Online.IsOnline(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "online": online})
}

func (h *handlers) roomPresence(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))
	present, err := h.orch.Presence.ListPresent(c.Request.Context(), room)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": room, "present": present})
}

func (h *handlers) rtcConfig(c *gin.Context) {
	c.JSON(http.StatusOK, rtc.ClientConfig(h.cfg.ICEServers))
}

func writeError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
		return
	}
	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindAuth:
		status = http.StatusUnauthorized
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindPrecondition, domain.KindRaceLoss:
		status = http.StatusConflict
	case domain.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": de.Code})
}
