package rtc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
)

func TestCheckSignal_PassesAnyContent(t *testing.T) {
	payloads := []string{
		`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`,
		`{"type":"offer","sdp":"opaque-app-defined"}`,
		`"sdp as plain string"`,
		`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0"}`,
		`"candidate:1 1 udp 1 10.0.0.1 9 typ host"`,
		`{"candidate":""}`,
		`[1,2,3]`,
	}
	for _, kind := range []domain.SignalKind{domain.SignalOffer, domain.SignalAnswer, domain.SignalICE} {
		for _, p := range payloads {
			assert.NoError(t, CheckSignal(kind, json.RawMessage(p)), "%s %s", kind, p)
		}
	}
}

func TestCheckSignal_Bounds(t *testing.T) {
	assert.ErrorIs(t, CheckSignal(domain.SignalOffer, nil), ErrMissingPayload)
	assert.ErrorIs(t, CheckSignal(domain.SignalICE, json.RawMessage(" null ")), ErrMissingPayload)

	big := json.RawMessage(`"` + strings.Repeat("a", MaxPayloadBytes) + `"`)
	assert.ErrorIs(t, CheckSignal(domain.SignalAnswer, big), ErrPayloadTooLarge)

	assert.Error(t, CheckSignal(domain.SignalKind("renegotiate"), json.RawMessage(`{}`)))
}

func TestClientConfig(t *testing.T) {
	assert.Equal(t, DefaultWebRTCConfig(), ClientConfig(nil))

	cfg := ClientConfig([]config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
	})
	require.Len(t, cfg.ICEServers, 2)
	assert.Empty(t, cfg.ICEServers[0].Credential)
	assert.EqualValues(t, "p", cfg.ICEServers[1].Credential)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
}
