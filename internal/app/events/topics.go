package events

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

type SessionChangedEvent struct {
	Session domain.CallSession `json:"session"`
	From    domain.Status      `json:"from"`
	Trigger string             `json:"trigger"`
}

type IncomingCallEvent struct {
	From     domain.UserID `json:"from"`
	FromName string        `json:"fromName,omitempty"`
	IsVideo  bool          `json:"isVideo"`
}

type CallEndedEvent struct {
	Duration time.Duration `json:"duration"`
	EndedBy  domain.UserID `json:"endedBy,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

type CallRejectedEvent struct {
	By     domain.UserID `json:"by"`
	Reason string        `json:"reason,omitempty"`
}

type StreamEvent struct {
	Kind    core.MediaKind `json:"kind"`
	TrackID string         `json:"trackId,omitempty"`
	Enabled bool           `json:"enabled"`
}

type UpgradeEvent struct {
	Peer   domain.UserID `json:"peer"`
	Reason string        `json:"reason,omitempty"`
}

type DurationEvent struct {
	Secs uint64 `json:"secs"`
}

type RouteEvent struct {
	Route domain.RouteKind `json:"route"`
}

var (
	SessionChanged        = NewTopic[SessionChangedEvent]("session-changed")
	IncomingCall          = NewTopic[IncomingCallEvent]("incoming-call")
	CallEnded             = NewTopic[CallEndedEvent]("call-ended")
	CallRejected          = NewTopic[CallRejectedEvent]("call-rejected")
	LocalStreamUpdated    = NewTopic[StreamEvent]("local-stream-updated")
	RemoteStreamUpdated   = NewTopic[StreamEvent]("remote-stream-updated")
	VideoUpgradeRequested = NewTopic[UpgradeEvent]("video-upgrade-request")
	VideoUpgradeAccepted  = NewTopic[UpgradeEvent]("video-upgrade-accepted")
	VideoUpgradeRejected  = NewTopic[UpgradeEvent]("video-upgrade-rejected")
	DurationUpdated       = NewTopic[DurationEvent]("duration-updated")
	RouteClassified       = NewTopic[RouteEvent]("route-classified")
)
