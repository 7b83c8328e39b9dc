// Package rtc holds the WebRTC pieces the signaling server needs without
// terminating media itself: the ICE configuration handed to clients and
// shape checks on relayed negotiation payloads.
package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/huddle/internal/config"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ClientConfig builds the configuration clients should use for peer
// connections. An empty server list falls back to the public STUN server.
func ClientConfig(servers []config.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return DefaultWebRTCConfig()
	}
	out := webrtc.Configuration{ICEServers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	return out
}
