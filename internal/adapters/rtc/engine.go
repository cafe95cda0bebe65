// Package rtc adapts pion WebRTC to the media ports of the call orchestrator.
package rtc

import (
	"fmt"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

var (
	audioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	videoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Engine creates peer connections that share one codec set and ICE configuration.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.MediaEngine = (*Engine)(nil)

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{defaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

func NewEngine(iceServers []string) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		cfg: DefaultWebRTCConfig(iceServers),
	}, nil
}

func (e *Engine) NewConnection() (core.MediaConnection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{pc: pc, id: uuid.NewString()[:8]}, nil
}

func codecFor(kind core.MediaKind) webrtc.RTPCodecCapability {
	if kind == core.KindVideo {
		return videoCodec
	}
	return audioCodec
}

func kindOf(t webrtc.RTPCodecType) core.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return core.KindVideo
	}
	return core.KindAudio
}
