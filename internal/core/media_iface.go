package core

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// MediaEngine creates peer connections.
type MediaEngine interface {
	NewConnection() (MediaConnection, error)
}

// MediaConnection is the surface of one peer connection the orchestrator consumes.
type MediaConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ICEGatheringState() webrtc.ICEGatheringState
	ConnectionState() webrtc.PeerConnectionState

	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	// SelectedRoute classifies the nominated candidate pair from connection stats.
	SelectedRoute() domain.RouteKind

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))

	// Close stops all underlying media resources. Closing twice is a no-op.
	Close() error
	IsClosed() bool
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, error)
}

// LocalTrack is a captured local media source.
type LocalTrack interface {
	Kind() MediaKind
	Track() webrtc.TrackLocal
	SetEnabled(on bool)
	Enabled() bool
	Stop()
}

// MediaDevices acquires capture tracks and renders remote ones.
type MediaDevices interface {
	Acquire(ctx context.Context, kind MediaKind) (LocalTrack, error)
	Render(ctx context.Context, track RemoteTrack)
}
