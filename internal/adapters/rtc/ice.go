package rtc

import (
	"github.com/mixlnk/beacon/internal/config"
	"github.com/pion/webrtc/v4"
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// ICEServers converts configured STUN/TURN entries. Entries without URLs
// are skipped; an empty result falls back to the public STUN server.
func ICEServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	if len(out) == 0 {
		return append([]webrtc.ICEServer(nil), defaultICEServers...)
	}
	return out
}

func DefaultWebRTCConfig(servers []webrtc.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		servers = defaultICEServers
	}
	return webrtc.Configuration{ICEServers: servers}
}
