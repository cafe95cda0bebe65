// Package protocol defines the signaling messages exchanged between peers through the relay.
package protocol

import (
	"github.com/dkeye/VoiceCall/internal/domain"
)

type Type string

const (
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeICECandidate    Type = "ice-candidate"
	TypeAck             Type = "ack"
	TypeCallEnd         Type = "call-end"
	TypeStateSync       Type = "state-sync"
	TypeUpgradeRequest  Type = "video-upgrade-request"
	TypeUpgradeAccepted Type = "video-upgrade-accepted"
	TypeUpgradeRejected Type = "video-upgrade-rejected"
	TypeError           Type = "error"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeWhoAmI          Type = "whoami"
	TypeRename          Type = "rename"
)

// Error codes sent by the relay.
const (
	CodePeerOffline = "peer_offline"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeBadPayload  = "bad_payload"
)

// End and rejection reasons.
const (
	ReasonHangup      = "hangup"
	ReasonRemote      = "remote_hangup"
	ReasonRejected    = "rejected"
	ReasonBusy        = "busy"
	ReasonTimeout     = "timeout"
	ReasonUnreachable = "unreachable"
	ReasonNegotiation = "negotiation_failed"
	ReasonTransport   = "transport_failed"
	ReasonClosed      = "transport_closed"
	ReasonSignaling   = "signaling_failed"
)

// Header is embedded in every message. The relay stamps From.
type Header struct {
	Type         Type          `json:"type"`
	ID           string        `json:"id,omitempty"`
	From         domain.UserID `json:"from,omitempty"`
	TargetUserID domain.UserID `json:"targetUserId,omitempty"`
}

func (h *Header) Head() *Header { return h }

// Envelope is anything that can be sent over signaling.
type Envelope interface {
	Head() *Header
}

type Offer struct {
	Header
	SDP           string `json:"sdp"`
	SDPType       string `json:"sdpType"`
	IsVideo       bool   `json:"isVideo"`
	Renegotiation bool   `json:"renegotiation,omitempty"`
	Resume        bool   `json:"resume,omitempty"`
	CallerName    string `json:"callerName,omitempty"`
}

type Answer struct {
	Header
	SDP           string `json:"sdp,omitempty"`
	SDPType       string `json:"sdpType,omitempty"`
	Accepted      bool   `json:"accepted"`
	CallStartTime int64  `json:"callStartTime,omitempty"`
	Renegotiation bool   `json:"renegotiation,omitempty"`
	Resume        bool   `json:"resume,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type ICECandidate struct {
	Header
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	AckRequested  bool    `json:"ackRequested,omitempty"`
}

type Ack struct {
	Header
	Ref string `json:"ref"`
}

type CallEnd struct {
	Header
	CallHistoryID string `json:"callHistoryId,omitempty"`
	Duration      uint64 `json:"duration"`
	Reason        string `json:"reason,omitempty"`
}

type StateSync struct {
	Header
	domain.SyncSnapshot
}

type UpgradeRequest struct {
	Header
}

type UpgradeAccepted struct {
	Header
}

type UpgradeRejected struct {
	Header
	Reason string `json:"reason,omitempty"`
}

type Error struct {
	Header
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type Ping struct {
	Header
}

type Pong struct {
	Header
}

type Rename struct {
	Header
	Name string `json:"name"`
}

type WhoAmI struct {
	Header
	User *domain.User `json:"user,omitempty"`
}
