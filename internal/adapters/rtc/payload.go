package rtc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

var (
	ErrMissingPayload  = errors.New("rtc: missing signal payload")
	ErrPayloadTooLarge = errors.New("rtc: signal payload too large")
)

// MaxPayloadBytes bounds a single relayed negotiation payload.
const MaxPayloadBytes = 64 << 10

// CheckSignal bounds a relayed payload for kind. The content is opaque:
// any JSON value the peers agree on is passed through as sent.
func CheckSignal(kind domain.SignalKind, raw json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("rtc: unknown signal %q", kind)
	}
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return ErrMissingPayload
	}
	if len(raw) > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	return nil
}
