package rtc

import (
	"sync/atomic"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection is a core.MediaConnection backed by a pion PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	id     string
	closed atomic.Bool
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func (c *WebRTCConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *WebRTCConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return c.pc.ICEGatheringState()
}

func (c *WebRTCConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// AddLocalTrack attaches a local track and drains RTCP for it until the sender stops.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *WebRTCConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

func (c *WebRTCConnection) SelectedRoute() domain.RouteKind {
	return routeFromStats(c.pc.GetStats())
}

// routeFromStats classifies the nominated, succeeded candidate pair by its local candidate type.
func routeFromStats(report webrtc.StatsReport) domain.RouteKind {
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, ok := report[pair.LocalCandidateID].(webrtc.ICECandidateStats)
		if !ok {
			return domain.RouteUnknown
		}
		switch local.CandidateType {
		case webrtc.ICECandidateTypeHost:
			return domain.RouteDirect
		case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			return domain.RouteSTUN
		case webrtc.ICECandidateTypeRelay:
			return domain.RouteRelay
		}
	}
	return domain.RouteUnknown
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("pc", c.id).Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

func (c *WebRTCConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("pc", c.id).Str("ice_state", s.String()).Msg("ICE state")
		fn(s)
	})
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("pc", c.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(remoteTrack{track})
	})
}

func (c *WebRTCConnection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("pc", c.id).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("pc", c.id).Msg("closed")
	return nil
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

// remoteTrack hides RTP interceptor attributes from consumers.
type remoteTrack struct {
	*webrtc.TrackRemote
}

func (t remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.TrackRemote.ReadRTP()
	return pkt, err
}
