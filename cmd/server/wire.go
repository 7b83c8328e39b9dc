package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/memory"
	mongodir "github.com/dkeye/huddle/internal/adapters/mongo"
	"github.com/dkeye/huddle/internal/adapters/redis"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/app/fanout"
	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/videogroup"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// runServer builds the application graph and blocks until ctx is done.
func runServer(ctx context.Context, cfg *config.Config) error {
	fxApp := fx.New(
		fx.Supply(cfg),
		fx.WithLogger(func() fxevent.Logger { return fxLogger{} }),
		storeModule,
		directoryModule,
		coreModule,
		transportModule,
	)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*shutdownTimeout)
	defer cancel()
	return fxApp.Stop(stopCtx)
}

var storeModule = fx.Module("store",
	fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) (core.Store, error) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout+time.Second)
		defer cancel()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(store.Close))
		return store, nil
	}),
)

// openStore picks the coordination store. The memory store only serves a
// single process.
func openStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Str("module", "main").Msg("using in-process store; fan-out will not cross processes")
		return memory.NewStore(nil), nil
	default:
		store, err := redis.Dial(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

type directories struct {
	fx.Out
	Identity core.IdentityResolver
	Rooms    core.RoomDirectory
}

var directoryModule = fx.Module("directory",
	fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) (directories, error) {
		if cfg.Directory.Driver == "memory" {
			dir, err := seedDirectory(cfg.Directory)
			if err != nil {
				return directories{}, err
			}
			return directories{Identity: dir, Rooms: dir}, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, dir, err := mongodir.Connect(ctx, cfg.Mongo)
		if err != nil {
			return directories{}, err
		}
		lc.Append(fx.StopHook(client.Disconnect))
		return directories{Identity: dir, Rooms: dir}, nil
	}),
)

func seedDirectory(cfg config.DirectoryConfig) (*memory.Directory, error) {
	dir := memory.NewDirectory()
	for token, id := range cfg.StaticTokens {
		dir.PutToken(token, domain.Identity(id))
	}
	for _, r := range cfg.StaticRooms {
		kind := domain.RoomKind(strings.ToUpper(r.Kind))
		switch kind {
		case domain.RoomPublic, domain.RoomPrivate, domain.RoomVideoGroup, domain.RoomVideo1on1:
		default:
			return nil, fmt.Errorf("directory: room %q has unknown kind %q", r.ID, r.Kind)
		}
		dir.PutRoom(domain.Room{
			ID:       domain.RoomID(r.ID),
			Kind:     kind,
			Owner:    domain.Identity(r.Owner),
			Open:     true,
			MaxUsers: r.MaxUsers,
		})
	}
	return dir, nil
}

var coreModule = fx.Module("core",
	fx.Provide(
		newMetrics,
		app.NewRegistry,
		func() app.Policy { return app.SimplePolicy{} },
		func(lc fx.Lifecycle, cfg *config.Config, store core.Store, reg *app.Registry, policy app.Policy, m *metrics.Metrics) *fanout.Bus {
			bus := fanout.New(store, reg, policy, cfg.Store.FanoutPrefix, m)
			lc.Append(fx.Hook{
				OnStart: bus.Start,
				OnStop: func(context.Context) error {
					n := reg.CancelAll()
					log.Info().Str("module", "main").Int("connections", n).Msg("canceled live connections")
					return bus.Stop()
				},
			})
			return bus
		},
		func(cfg *config.Config, store core.Store) *presence.Index {
			return presence.NewIndex(store, nil, cfg.Presence)
		},
		func(store core.Store, bus *fanout.Bus) *presence.Tracker {
			return presence.NewTracker(store, bus)
		},
		func(cfg *config.Config, store core.Store, bus *fanout.Bus, m *metrics.Metrics) *calls.Coordinator {
			return calls.New(store, bus, nil, cfg.Calls, cfg.Store.OpTimeout, m)
		},
		func(cfg *config.Config, store core.Store, bus *fanout.Bus, rooms core.RoomDirectory, m *metrics.Metrics) *videogroup.Coordinator {
			return videogroup.New(store, bus, rooms, nil, cfg.VideoGroup, m)
		},
		func(rooms core.RoomDirectory, t *presence.Tracker, g *videogroup.Coordinator, bus *fanout.Bus, m *metrics.Metrics) *lifecycle.RoomCloser {
			return lifecycle.NewRoomCloser(rooms, t, g, bus, m)
		},
		newOrchestrator,
	),
)

type metricsOut struct {
	fx.Out
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func newMetrics() metricsOut {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metricsOut{Metrics: metrics.New(reg), Gatherer: reg}
}

type orchIn struct {
	fx.In
	Config   *config.Config
	Registry *app.Registry
	Bus      *fanout.Bus
	Identity core.IdentityResolver
	Rooms    core.RoomDirectory
	Online   *presence.Index
	Presence *presence.Tracker
	Calls    *calls.Coordinator
	Groups   *videogroup.Coordinator
	Closer   *lifecycle.RoomCloser
	Metrics  *metrics.Metrics
}

func newOrchestrator(in orchIn) *orch.Orchestrator {
	return orch.New(orch.Deps{
		Registry:  in.Registry,
		Bus:       in.Bus,
		Identity:  in.Identity,
		Rooms:     in.Rooms,
		Online:    in.Online,
		Presence:  in.Presence,
		Calls:     in.Calls,
		Groups:    in.Groups,
		Closer:    in.Closer,
		Metrics:   in.Metrics,
		OpTimeout: in.Config.Store.OpTimeout,
	})
}

var transportModule = fx.Module("transport",
	fx.Provide(
		func(cfg *config.Config) *signal.RateLimiter {
			return signal.NewRateLimiter(cfg.RateLimit.Intents, cfg.RateLimit.Interval, nil)
		},
		func(cfg *config.Config, o *orch.Orchestrator, rl *signal.RateLimiter) *signal.SignalWSController {
			return signal.NewSignalWSController(o, rl, cfg)
		},
	),
	fx.Invoke(registerHTTPServer),
)

type serverIn struct {
	fx.In
	LC       fx.Lifecycle
	Config   *config.Config
	Orch     *orch.Orchestrator
	Signal   *signal.SignalWSController
	Store    core.Store
	Gatherer prometheus.Gatherer
}

func registerHTTPServer(in serverIn) {
	// Connection contexts outlive the start hook, so they hang off their own root.
	connCtx, cancelConns := context.WithCancel(context.Background())
	r := router.SetupRouter(connCtx, in.Config, router.RouterDeps{
		Orch:     in.Orch,
		Signal:   in.Signal,
		Store:    in.Store,
		Gatherer: in.Gatherer,
	})
	addr := fmt.Sprintf(":%d", in.Config.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	in.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			go func() {
				log.Info().Str("addr", addr).Str("node", in.Config.NodeName).Msg("huddle server started")
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("server error")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			err := srv.Shutdown(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
			}
			// Sockets are hijacked, so Shutdown does not wait for them. Their
			// cleanup must finish while the bus and store are still up.
			cancelConns()
			if derr := in.Signal.Drain(ctx); derr != nil {
				log.Error().Err(derr).Msg("connections not drained")
				err = multierr.Append(err, derr)
			}
			if err == nil {
				log.Info().Msg("Server exited gracefully")
			}
			return err
		},
	})
}

// fxLogger reports only what an operator needs from the dependency graph.
type fxLogger struct{}

func (fxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("module", "fx").Str("hook", e.FunctionName).Msg("start hook failed")
		}
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("module", "fx").Str("hook", e.FunctionName).Msg("stop hook failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("module", "fx").Msg("start failed")
		} else {
			log.Debug().Str("module", "fx").Msg("application started")
		}
	case *fxevent.Provided:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("module", "fx").Str("constructor", e.ConstructorName).Msg("provide failed")
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("module", "fx").Str("function", e.FunctionName).Msg("invoke failed")
		}
	}
}
