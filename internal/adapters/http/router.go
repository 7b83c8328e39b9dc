package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
)

type RouterDeps struct {
	Orch     *orch.Orchestrator
	Signal   *signal.SignalWSController
	Store    core.Store
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, d RouterDeps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{orch: d.Orch, store: d.Store, cfg: cfg}

	r.GET("/healthz", h.health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		d.Signal.HandleSignal(ctx, c)
	})

	authed := api.Group("", IdentityMiddleware(d.Orch, cfg.CookieName))
	authed.GET("/presence/online", h.listOnline)
	authed.GET("/presence/online/count", h.onlineCount)
	authed.GET("/presence/online/:id", h.isOnline)
	authed.GET("/rooms/:id/presence", h.roomPresence)
	authed.GET("/rtc/config", h.rtcConfig)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
