package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const codeOK = "OK"

// Intent is the inbound envelope. Ref, when set, is echoed in the ack.
type Intent struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Ack struct {
	Type  string `json:"type"`
	Ref   string `json:"ref"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type handler func(ctx context.Context, conn core.Connection, data json.RawMessage) (any, error)

func (o *Orchestrator) routes() map[string]handler {
	return map[string]handler{
		"ping": o.handlePing,

		"room:join":    o.handleRoomJoin,
		"room:leave":   o.handleRoomLeave,
		"msg:send":     o.handleMessage,
		"typing:start": o.handleTyping(true),
		"typing:stop":  o.handleTyping(false),

		"call:start":  o.handleCallStart,
		"call:accept": o.handleCallAccept,
		"call:offer":  o.handleCallSignal(domain.SignalOffer),
		"call:answer": o.handleCallSignal(domain.SignalAnswer),
		"call:ice":    o.handleCallSignal(domain.SignalICE),
		"call:end":    o.handleCallEnd,

		"vg:start":  o.handleGroupStart,
		"vg:join":   o.handleGroupJoin,
		"vg:leave":  o.handleGroupLeave,
		"vg:kick":   o.handleGroupKick,
		"vg:close":  o.handleGroupClose,
		"vg:offer":  o.handleGroupSignal(domain.SignalOffer),
		"vg:answer": o.handleGroupSignal(domain.SignalAnswer),
		"vg:ice":    o.handleGroupSignal(domain.SignalICE),
	}
}

// Dispatch handles one inbound frame from conn. Intents of a connection are
// dispatched one at a time by its read loop.
func (o *Orchestrator) Dispatch(ctx context.Context, conn core.Connection, raw []byte) {
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		// Without an envelope there is no ref to answer to.
		o.metrics.Intent("invalid", domain.CodeBadPayload)
		send(conn, Ack{Type: core.EventAck, Error: domain.CodeBadPayload})
		return
	}
	h, ok := o.handlers[in.Type]
	if !ok {
		o.metrics.Intent("unknown", domain.CodeUnknownIntent)
		o.ack(conn, in.Ref, nil, domain.Validation(domain.CodeUnknownIntent))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()
	data, err := h(ctx, conn, in.Data)

	code := codeOK
	if err != nil {
		code = domain.CodeOf(err, domain.CodeStoreUnavailable)
		if !isClientError(err) {
			log.Error().Err(err).Str("module", "orch").Str("intent", in.Type).Str("identity", string(conn.Identity())).Msg("intent failed")
		}
	}
	o.metrics.Intent(in.Type, code)
	o.ack(conn, in.Ref, data, err)
}

// Reject answers an intent without dispatching it, e.g. when rate limited.
func (o *Orchestrator) Reject(conn core.Connection, raw []byte, code string) {
	var in Intent
	_ = json.Unmarshal(raw, &in)
	o.metrics.Intent(in.Type, code)
	o.ack(conn, in.Ref, nil, domain.Validation(code))
}

// ack answers an intent that carried a ref.
func (o *Orchestrator) ack(conn core.Connection, ref string, data any, err error) {
	if ref == "" {
		return
	}
	a := Ack{Type: core.EventAck, Ref: ref, OK: err == nil, Data: data}
	if err != nil {
		a.Error = domain.CodeOf(err, domain.CodeStoreUnavailable)
		a.Data = nil
		var de *domain.Error
		if errors.As(err, &de) && de.CallID != "" {
			a.Data = map[string]domain.CallID{"callId": de.CallID}
		}
	}
	send(conn, a)
}

func send(conn core.Connection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal reply")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("conn", string(conn.ID())).Msg("reply dropped")
	}
}

func isClientError(err error) bool {
	var de *domain.Error
	return errors.As(err, &de) && de.Kind != domain.KindStoreUnavailable
}

// decode unmarshals data into v and runs its validation tags.
func (o *Orchestrator) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.Validation(domain.CodeBadPayload)
	}
	if err := o.validate.Struct(v); err != nil {
		return domain.Validation(domain.CodeBadPayload)
	}
	return nil
}

func (o *Orchestrator) handlePing(_ context.Context, conn core.Connection, _ json.RawMessage) (any, error) {
	send(conn, core.Event{Type: core.EventPong})
	return nil, nil
}
