package domain

import (
	"fmt"
	"time"
)

// Status is the top-level state of a call session.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusEnded
)

var statusNames = [...]string{
	StatusIdle:         "idle",
	StatusCalling:      "calling",
	StatusRinging:      "ringing",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusEnded:        "ended",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return StatusIdle, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Live reports whether the status carries an established or establishing media path.
func (s Status) Live() bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusReconnecting
}

// CallSession is the canonical record of the single active call.
// Idle sessions carry zero values in every other field.
type CallSession struct {
	Status             Status     `json:"status"`
	RemoteUserID       UserID     `json:"remote_user_id,omitempty"`
	RemoteUserName     string     `json:"remote_user_name,omitempty"`
	IsCaller           bool       `json:"is_caller,omitempty"`
	IsVideoEnabled     bool       `json:"is_video_enabled"`
	IsAudioEnabled     bool       `json:"is_audio_enabled"`
	RemoteAudioEnabled bool       `json:"remote_audio_enabled"`
	CallStartTime      *time.Time `json:"call_start_time,omitempty"`
	CallDurationSecs   uint64     `json:"call_duration_secs"`
	PendingOfferSDP    string     `json:"-"`
	CallHistoryID      string     `json:"call_history_id,omitempty"`
}

// HasPendingOffer reports whether an inbound offer is waiting for a local decision.
func (s CallSession) HasPendingOffer() bool {
	return s.PendingOfferSDP != ""
}

// Snapshot projects the session into the wire shape sent to the peer.
func (s CallSession) Snapshot() SyncSnapshot {
	snap := SyncSnapshot{
		Status:           s.Status,
		CallDurationSecs: s.CallDurationSecs,
		IsVideoEnabled:   s.IsVideoEnabled,
		IsAudioEnabled:   s.IsAudioEnabled,
	}
	if s.CallStartTime != nil {
		snap.CallStartTime = s.CallStartTime.UnixMilli()
	}
	return snap
}

// StartTimeFromMillis converts a wire timestamp into an optional time.
func StartTimeFromMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
