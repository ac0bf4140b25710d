// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tether/transport"
)

// Compile-time interface checks.
var (
	_ MediaFactory = (*WebRTCMediaFactory)(nil)
	_ MediaPath    = (*WebRTCMediaPath)(nil)
)

const (
	opusPayloadType = 111
	vp8PayloadType  = 96

	mediaGatherTimeout = 15 * time.Second
)

// WebRTCMediaFactory builds pion PeerConnections carrying an Opus
// audio track, plus a VP8 track for video calls.
type WebRTCMediaFactory struct {
	api    *webrtc.API
	logger *slog.Logger

	configMu sync.RWMutex
	ice      transport.ICEConfig

	// OnRemoteTrack, when set, receives every remote track.
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// NewWebRTCMediaFactory registers the call codecs and returns a
// factory using ice for NAT traversal.
func NewWebRTCMediaFactory(ice transport.ICEConfig, logger *slog.Logger) (*WebRTCMediaFactory, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("registering opus: %w", err)
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        vp8PayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("registering vp8: %w", err)
	}
	return &WebRTCMediaFactory{
		api:    transport.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		logger: logger,
		ice:    ice,
	}, nil
}

// UpdateICEConfig replaces the ICE configuration for new paths.
func (f *WebRTCMediaFactory) UpdateICEConfig(config transport.ICEConfig) {
	f.configMu.Lock()
	defer f.configMu.Unlock()
	f.ice = config
}

func (f *WebRTCMediaFactory) NewPath(media Media) (MediaPath, error) {
	if !media.Valid() {
		return nil, fmt.Errorf("unknown media %q", media)
	}
	f.configMu.RLock()
	servers := f.ice.Servers
	f.configMu.RUnlock()

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	path := &WebRTCMediaPath{pc: pc, events: make(chan MediaEvent, 8)}

	path.audio, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "tether")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	if _, err := pc.AddTrack(path.audio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio track: %w", err)
	}
	if media == MediaVideo {
		path.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "tether")
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		if _, err := pc.AddTrack(path.video); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding video track: %w", err)
		}
	}

	if f.OnRemoteTrack != nil {
		onTrack := f.OnRemoteTrack
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { onTrack(track) })
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Debug("media path state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			path.emit(MediaConnected)
		case webrtc.PeerConnectionStateFailed:
			path.emit(MediaFailed)
		case webrtc.PeerConnectionStateClosed:
			path.emit(MediaClosed)
		}
	})
	return path, nil
}

// WebRTCMediaPath is a MediaPath on one pion PeerConnection. The local
// tracks are fed by the device layer.
type WebRTCMediaPath struct {
	pc     *webrtc.PeerConnection
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	events chan MediaEvent
}

// AudioTrack is the local Opus track.
func (p *WebRTCMediaPath) AudioTrack() *webrtc.TrackLocalStaticSample { return p.audio }

// VideoTrack is the local VP8 track, nil for audio calls.
func (p *WebRTCMediaPath) VideoTrack() *webrtc.TrackLocalStaticSample { return p.video }

func (p *WebRTCMediaPath) Events() <-chan MediaEvent { return p.events }

func (p *WebRTCMediaPath) emit(event MediaEvent) {
	select {
	case p.events <- event:
	default:
	}
}

func (p *WebRTCMediaPath) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	return p.gather(ctx, offer)
}

func (p *WebRTCMediaPath) Answer(ctx context.Context, offerSDP string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	return p.gather(ctx, answer)
}

func (p *WebRTCMediaPath) SetAnswer(answerSDP string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (p *WebRTCMediaPath) gather(ctx context.Context, description webrtc.SessionDescription) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, mediaGatherTimeout)
	defer cancel()
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after gathering")
	}
	return local.SDP, nil
}

func (p *WebRTCMediaPath) Close() error {
	return p.pc.Close()
}
