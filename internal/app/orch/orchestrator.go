// Package orch is the connection gateway: it authenticates sockets, binds
// them to their fan-out topics, dispatches client intents to the
// coordinators and cleans up when the last connection of an identity goes.
package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/app/fanout"
	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/videogroup"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

const defaultOpTimeout = 3 * time.Second

type Deps struct {
	Registry  *app.Registry
	Bus       *fanout.Bus
	Identity  core.IdentityResolver
	Rooms     core.RoomDirectory
	Online    *presence.Index
	Presence  *presence.Tracker
	Calls     *calls.Coordinator
	Groups    *videogroup.Coordinator
	Closer    *lifecycle.RoomCloser
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	OpTimeout time.Duration
}

type Orchestrator struct {
	Registry *app.Registry
	Bus      *fanout.Bus
	Identity core.IdentityResolver
	Rooms    core.RoomDirectory
	Online   *presence.Index
	Presence *presence.Tracker
	Calls    *calls.Coordinator
	Groups   *videogroup.Coordinator
	Closer   *lifecycle.RoomCloser

	metrics   *metrics.Metrics
	clock     clock.Clock
	opTimeout time.Duration
	validate  *validator.Validate
	handlers  map[string]handler
}

func New(d Deps) *Orchestrator {
	if d.OpTimeout <= 0 {
		d.OpTimeout = defaultOpTimeout
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	o := &Orchestrator{
		Registry:  d.Registry,
		Bus:       d.Bus,
		Identity:  d.Identity,
		Rooms:     d.Rooms,
		Online:    d.Online,
		Presence:  d.Presence,
		Calls:     d.Calls,
		Groups:    d.Groups,
		Closer:    d.Closer,
		metrics:   d.Metrics,
		clock:     d.Clock,
		opTimeout: d.OpTimeout,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	o.handlers = o.routes()
	return o
}

// Handshake carries the credentials a client presented when connecting.
type Handshake struct {
	// Cookie is the session cookie value, if the cookie was sent.
	Cookie string
	// Token is the fallback credential from the query or a header.
	Token string
}

// Authenticate resolves the cookie first, then the fallback token. Anything
// unresolved fails closed.
func (o *Orchestrator) Authenticate(ctx context.Context, h Handshake) (domain.Identity, error) {
	for _, token := range []string{h.Cookie, h.Token} {
		if token == "" {
			continue
		}
		id, err := o.resolve(ctx, token)
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("identity lookup failed")
			continue
		}
		if id != "" {
			return id, nil
		}
	}
	return "", domain.ErrUnauthorized
}

func (o *Orchestrator) resolve(ctx context.Context, token string) (domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()
	id, err := o.Identity.ResolveIdentity(ctx, token)
	if err != nil {
		return "", err
	}
	if id != "" && id.Validate() != nil {
		return "", fmt.Errorf("orch: resolver returned invalid identity: %w", id.Validate())
	}
	return id, nil
}

// OnConnect binds conn to its identity topic and counts it online. Only a
// failure to subscribe is returned; presence errors are logged.
func (o *Orchestrator) OnConnect(ctx context.Context, conn core.Connection, cancel context.CancelFunc) error {
	o.Registry.Bind(conn, cancel)

	opCtx, opCancel := context.WithTimeout(ctx, o.opTimeout)
	defer opCancel()
	if err := o.Bus.Attach(opCtx, conn.ID(), core.IdentityTopic(conn.Identity())); err != nil {
		o.Registry.Unbind(conn.ID())
		return fmt.Errorf("orch: attach identity topic: %w", err)
	}
	if _, err := o.Online.ConnectionOpened(opCtx, conn.Identity()); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("identity", string(conn.Identity())).Msg("presence open failed")
		o.metrics.CleanupError("presence_open")
	}
	o.metrics.ConnectionOpened()
	log.Info().Str("module", "orch").Str("conn", string(conn.ID())).Str("identity", string(conn.Identity())).Msg("connected")
	return nil
}

// OnDisconnect never fails. Identity-wide cleanup runs only once the
// refcount confirms no other connection of the identity is left.
func (o *Orchestrator) OnDisconnect(conn core.Connection) {
	id := conn.Identity()
	l := log.With().Str("module", "orch").Str("conn", string(conn.ID())).Str("identity", string(id)).Logger()
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("disconnect cleanup panicked")
			o.metrics.CleanupError("panic")
		}
	}()
	o.metrics.ConnectionClosed()

	o.stage("release", id, func(ctx context.Context) error {
		return o.Bus.Release(ctx, conn.ID())
	})

	if remaining := o.closePresence(id); remaining > 0 {
		l.Debug().Int64("remaining", remaining).Msg("disconnected, identity still online")
		return
	}

	var rooms []domain.RoomID
	o.stage("room_presence", id, func(ctx context.Context) error {
		var err error
		rooms, err = o.Presence.CleanupAll(ctx, id)
		return err
	})
	for _, room := range rooms {
		o.stage("room_lifecycle", id, func(ctx context.Context) error {
			o.Closer.EvaluateDeparture(ctx, room, id)
			return nil
		})
	}
	o.stage("calls", id, func(ctx context.Context) error {
		return o.Calls.EndFor(ctx, id, domain.EndReasonDisconnected)
	})
	o.stage("video_groups", id, func(ctx context.Context) error {
		_, err := o.Groups.LeaveAll(ctx, id)
		return err
	})
	l.Info().Int("rooms", len(rooms)).Msg("identity went offline")
}

// closePresence releases one connection of id and returns how many are
// left. The release is retried once; if it still fails, the unchanged
// refcount is read and only a count above this connection's own counts as
// another live connection. Without that evidence it reports zero so the
// identity-wide cleanup runs.
func (o *Orchestrator) closePresence(id domain.Identity) int64 {
	var remaining int64
	var err error
	release := func(ctx context.Context) error {
		remaining, err = o.Online.ConnectionClosed(ctx, id)
		return err
	}
	o.stage("presence_close", id, release)
	if err == nil {
		return remaining
	}
	o.stage("presence_close", id, release)
	if err == nil {
		return remaining
	}

	var held int64
	o.stage("presence_count", id, func(ctx context.Context) error {
		var cerr error
		held, cerr = o.Online.Connections(ctx, id)
		return cerr
	})
	return held - 1
}

// stage runs one best-effort cleanup step under its own deadline.
func (o *Orchestrator) stage(name string, id domain.Identity, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("identity", string(id)).Str("stage", name).Msg("cleanup step failed")
		o.metrics.CleanupError(name)
	}
}
