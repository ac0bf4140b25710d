// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
// An empty config gathers host candidates only, which is enough for a
// same-machine or same-LAN pair.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// NewICEConfig converts server entries to pion's form, skipping entries
// without URLs.
func NewICEConfig(servers []ICEServer) ICEConfig {
	var config ICEConfig
	for _, server := range servers {
		if len(server.URLs) == 0 {
			continue
		}
		config.Servers = append(config.Servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return config
}

// NewAPI returns a pion API whose setting engine includes loopback
// candidates, required where loopback is the only interface.
// Additional options (a media engine, for calls) are appended.
func NewAPI(options ...func(*webrtc.API)) *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(append([]func(*webrtc.API){webrtc.WithSettingEngine(settingEngine)}, options...)...)
}
