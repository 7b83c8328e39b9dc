// Package calls runs the 1:1 call state machine: RINGING, ACTIVE, ENDED.
//
// A call record lives at call:<id>. Each participant holds an in-call marker
// call:busy:<identity> whose value is the owning call id; markers are only
// ever cleared by the call that owns them. Status changes are compare-and-swap
// on the serialized record, so concurrent accept/end/timeout resolve to one
// winner and the rest re-read.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

const maxCASAttempts = 8

var errContended = errors.New("calls: record contended")

func callKey(id domain.CallID) string        { return "call:" + string(id) }
func busyKey(id domain.Identity) string      { return "call:busy:" + string(id) }
func topic(id domain.Identity) string        { return core.IdentityTopic(id) }
func copyTime(t time.Time) *time.Time        { return &t }
func signalEvent(k domain.SignalKind) string { return "call:" + string(k) }

type Coordinator struct {
	store     core.Store
	pub       core.Publisher
	clock     clock.Clock
	cfg       config.CallsConfig
	opTimeout time.Duration
	metrics   *metrics.Metrics
	newID     func() domain.CallID
}

func New(store core.Store, pub core.Publisher, clk clock.Clock, cfg config.CallsConfig, opTimeout time.Duration, m *metrics.Metrics) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Coordinator{
		store:     store,
		pub:       pub,
		clock:     clk,
		cfg:       cfg,
		opTimeout: opTimeout,
		metrics:   m,
		newID:     func() domain.CallID { return domain.CallID(uuid.NewString()) },
	}
}

func (c *Coordinator) ringTTL() time.Duration { return c.cfg.RingTimeout + c.cfg.RingGrace }

// Start rings callee. Both markers are claimed before the record is
// written; any failure releases whatever was claimed.
func (c *Coordinator) Start(ctx context.Context, caller, callee domain.Identity, room *domain.RoomID) (domain.Call, error) {
	if callee == "" || callee == caller || callee.Validate() != nil {
		return domain.Call{}, domain.Validation(domain.CodeInvalidTarget)
	}

	call := domain.Call{
		ID:        c.newID(),
		Caller:    caller,
		Callee:    callee,
		RoomID:    room,
		Status:    domain.CallRinging,
		CreatedAt: c.clock.Now().UTC(),
	}
	raw, err := json.Marshal(call)
	if err != nil {
		return domain.Call{}, err
	}
	ttl := c.ringTTL()

	ok, err := c.store.SetNX(ctx, busyKey(caller), string(call.ID), ttl)
	if err != nil {
		return domain.Call{}, domain.Unavailable(err)
	}
	if !ok {
		return domain.Call{}, c.busy(ctx, domain.CodeCallerBusy, caller)
	}

	ok, err = c.store.SetNX(ctx, busyKey(callee), string(call.ID), ttl)
	if err != nil || !ok {
		if rerr := c.releaseMarker(ctx, caller, call.ID); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		if err != nil {
			return domain.Call{}, domain.Unavailable(err)
		}
		busyErr := c.busy(ctx, domain.CodeTargetBusy, callee)
		c.emit(ctx, caller, core.EventCallBusy, busyNotice{TargetID: callee})
		return domain.Call{}, busyErr
	}

	if err := c.store.Set(ctx, callKey(call.ID), string(raw), ttl); err != nil {
		err = multierr.Combine(err, c.releaseMarker(ctx, caller, call.ID), c.releaseMarker(ctx, callee, call.ID))
		return domain.Call{}, domain.Unavailable(err)
	}

	c.clock.AfterFunc(c.cfg.RingTimeout, func() { c.expire(call) })

	c.emit(ctx, callee, core.EventCallRing, ringNotice{CallID: call.ID, From: caller, RoomID: room})
	c.metrics.Call(string(domain.CallRinging), "")
	log.Info().Str("module", "app.calls").Str("call", string(call.ID)).Str("caller", string(caller)).Str("callee", string(callee)).Msg("call ringing")
	return call, nil
}

// busy builds a busy error carrying the call that holds id's marker.
func (c *Coordinator) busy(ctx context.Context, code string, id domain.Identity) error {
	e := domain.Precondition(code)
	if owner, err := c.store.Get(ctx, busyKey(id)); err == nil {
		e.CallID = domain.CallID(owner)
	}
	return e
}

func (c *Coordinator) Get(ctx context.Context, id domain.CallID) (domain.Call, error) {
	call, _, err := c.load(ctx, id)
	return call, err
}

// ActiveCallOf returns the call id holding id's in-call marker, if any.
func (c *Coordinator) ActiveCallOf(ctx context.Context, id domain.Identity) (domain.CallID, bool, error) {
	v, err := c.store.Get(ctx, busyKey(id))
	if errors.Is(err, core.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Unavailable(err)
	}
	return domain.CallID(v), true, nil
}

func (c *Coordinator) Accept(ctx context.Context, id domain.CallID, by domain.Identity) (domain.Call, error) {
	call, changed, err := c.transition(ctx, id, c.cfg.ActiveTTL, func(cur *domain.Call) (bool, error) {
		if cur.Callee != by {
			return false, domain.Precondition(domain.CodeForbidden)
		}
		if cur.Status != domain.CallRinging {
			return false, domain.Precondition(domain.CodeNotRinging)
		}
		cur.Status = domain.CallActive
		cur.AcceptedAt = copyTime(c.clock.Now().UTC())
		return true, nil
	})
	if err != nil || !changed {
		return call, err
	}

	for _, p := range []domain.Identity{call.Caller, call.Callee} {
		if _, err := c.store.CompareAndSwap(ctx, busyKey(p), string(id), string(id), c.cfg.ActiveTTL); err != nil {
			log.Warn().Err(err).Str("module", "app.calls").Str("call", string(id)).Str("identity", string(p)).Msg("marker ttl not extended")
		}
	}

	notice := acceptedNotice{CallID: id, By: by}
	c.emit(ctx, call.Caller, core.EventCallAccepted, notice)
	c.emit(ctx, call.Callee, core.EventCallAccepted, notice)
	c.metrics.Call(string(domain.CallActive), "")
	log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("call accepted")
	return call, nil
}

// RelaySignal forwards an opaque negotiation payload to the other party.
func (c *Coordinator) RelaySignal(ctx context.Context, kind domain.SignalKind, id domain.CallID, by domain.Identity, payload json.RawMessage) error {
	if !kind.Valid() {
		return domain.Validation(domain.CodeBadPayload)
	}
	call, _, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	peer, ok := call.Peer(by)
	if !ok {
		return domain.Precondition(domain.CodeForbidden)
	}
	if call.Status == domain.CallEnded {
		return domain.Precondition(domain.CodeCallEnded)
	}

	data := map[string]any{"callId": id, "from": by}
	if kind == domain.SignalICE {
		data["candidate"] = payload
	} else {
		data["sdp"] = payload
	}
	if err := core.Emit(ctx, c.pub, topic(peer), signalEvent(kind), data); err != nil {
		return domain.Unavailable(err)
	}
	return nil
}

// End is idempotent: ending an ended call returns the terminal record.
func (c *Coordinator) End(ctx context.Context, id domain.CallID, by domain.Identity, reason string) (domain.Call, error) {
	if reason == "" {
		reason = domain.EndReasonDefault
	}
	call, changed, err := c.transition(ctx, id, c.cfg.EndedTTL, func(cur *domain.Call) (bool, error) {
		if _, ok := cur.Peer(by); !ok {
			return false, domain.Precondition(domain.CodeForbidden)
		}
		if cur.Status == domain.CallEnded {
			return false, nil
		}
		c.finish(cur, by, reason)
		return true, nil
	})
	if err != nil || !changed {
		return call, err
	}
	c.ended(ctx, call)
	return call, nil
}

// EndFor ends whatever call id is currently in. Used on full disconnect.
func (c *Coordinator) EndFor(ctx context.Context, id domain.Identity, reason string) error {
	callID, ok, err := c.ActiveCallOf(ctx, id)
	if err != nil || !ok {
		return err
	}
	_, err = c.End(ctx, callID, id, reason)
	if errors.Is(err, domain.Precondition(domain.CodeCallNotFound)) {
		return c.releaseMarker(ctx, id, callID)
	}
	return err
}

// expire runs when the ring timeout elapses. It is a no-op unless the call
// is still ringing at that moment.
func (c *Coordinator) expire(call domain.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	cur, changed, err := c.transition(ctx, call.ID, c.cfg.EndedTTL, func(cur *domain.Call) (bool, error) {
		if cur.Status != domain.CallRinging {
			return false, nil
		}
		c.finish(cur, "", domain.EndReasonTimeout)
		return true, nil
	})
	switch {
	case errors.Is(err, domain.Precondition(domain.CodeCallNotFound)):
		// Record outlived by its markers; release them directly.
		rerr := multierr.Append(c.releaseMarker(ctx, call.Caller, call.ID), c.releaseMarker(ctx, call.Callee, call.ID))
		if rerr != nil {
			log.Warn().Err(rerr).Str("module", "app.calls").Str("call", string(call.ID)).Msg("timeout marker release failed")
		}
	case err != nil:
		log.Error().Err(err).Str("module", "app.calls").Str("call", string(call.ID)).Msg("ring timeout check failed")
	case changed:
		log.Info().Str("module", "app.calls").Str("call", string(call.ID)).Msg("call timed out")
		c.ended(ctx, cur)
	}
}

func (c *Coordinator) finish(cur *domain.Call, by domain.Identity, reason string) {
	cur.Status = domain.CallEnded
	cur.EndedAt = copyTime(c.clock.Now().UTC())
	cur.EndReason = reason
	cur.EndedBy = by
}

// ended releases both markers and notifies both sides.
func (c *Coordinator) ended(ctx context.Context, call domain.Call) {
	err := multierr.Append(c.releaseMarker(ctx, call.Caller, call.ID), c.releaseMarker(ctx, call.Callee, call.ID))
	if err != nil {
		log.Warn().Err(err).Str("module", "app.calls").Str("call", string(call.ID)).Msg("marker release failed")
	}
	notice := endedNotice{CallID: call.ID, Reason: call.EndReason, By: call.EndedBy}
	c.emit(ctx, call.Caller, core.EventCallEnded, notice)
	c.emit(ctx, call.Callee, core.EventCallEnded, notice)
	c.metrics.Call(string(domain.CallEnded), call.EndReason)
}

func (c *Coordinator) releaseMarker(ctx context.Context, id domain.Identity, call domain.CallID) error {
	_, err := c.store.CompareAndDelete(ctx, busyKey(id), string(call))
	return err
}

func (c *Coordinator) load(ctx context.Context, id domain.CallID) (domain.Call, string, error) {
	raw, err := c.store.Get(ctx, callKey(id))
	if errors.Is(err, core.ErrNotFound) {
		return domain.Call{}, "", domain.Precondition(domain.CodeCallNotFound)
	}
	if err != nil {
		return domain.Call{}, "", domain.Unavailable(err)
	}
	var call domain.Call
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return domain.Call{}, "", fmt.Errorf("calls: decode %s: %w", id, err)
	}
	return call, raw, nil
}

// transition applies mutate to the current record and swaps it in. When
// mutate reports no change the current record is returned untouched.
func (c *Coordinator) transition(ctx context.Context, id domain.CallID, ttl time.Duration, mutate func(*domain.Call) (bool, error)) (domain.Call, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		call, raw, err := c.load(ctx, id)
		if err != nil {
			return domain.Call{}, false, err
		}
		changed, err := mutate(&call)
		if err != nil || !changed {
			return call, false, err
		}
		next, err := json.Marshal(call)
		if err != nil {
			return domain.Call{}, false, err
		}
		ok, err := c.store.CompareAndSwap(ctx, callKey(id), raw, string(next), ttl)
		if err != nil {
			return domain.Call{}, false, domain.Unavailable(err)
		}
		if ok {
			return call, true, nil
		}
	}
	return domain.Call{}, false, domain.Unavailable(errContended)
}

func (c *Coordinator) emit(ctx context.Context, to domain.Identity, typ string, data any) {
	if err := core.Emit(ctx, c.pub, topic(to), typ, data); err != nil {
		log.Warn().Err(err).Str("module", "app.calls").Str("to", string(to)).Str("event", typ).Msg("notify failed")
	}
}
