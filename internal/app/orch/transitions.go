package orch

import (
	"fmt"

	"github.com/dkeye/VoiceCall/internal/domain"
)

type trigger int

const (
	trigStart trigger = iota + 1
	trigInvite
	trigRemoteOffer
	trigAccept
	trigReject
	trigRingTimeout
	trigAnswerAccepted
	trigConnected
	trigAnswerTimeout
	trigConnectingTimeout
	trigFailed
	trigReconnectTimeout
	trigEnd
	trigRemoteReject
	trigClosed
	trigSyncDegraded
	trigSyncRecovered
	trigReset
	trigRestore
	trigGlareYield
)

var triggerNames = map[trigger]string{
	trigStart:             "start",
	trigInvite:            "invite",
	trigRemoteOffer:       "remote-offer",
	trigAccept:            "accept",
	trigReject:            "reject",
	trigRingTimeout:       "ring-timeout",
	trigAnswerAccepted:    "answer-accepted",
	trigConnected:         "connected",
	trigAnswerTimeout:     "answer-timeout",
	trigConnectingTimeout: "connecting-timeout",
	trigFailed:            "failed",
	trigReconnectTimeout:  "reconnect-timeout",
	trigEnd:               "end",
	trigRemoteReject:      "remote-reject",
	trigClosed:            "closed",
	trigSyncDegraded:      "sync-degraded",
	trigSyncRecovered:     "sync-recovered",
	trigReset:             "reset",
	trigRestore:           "restore",
	trigGlareYield:        "glare-yield",
}

func (t trigger) String() string {
	if name, ok := triggerNames[t]; ok {
		return name
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

type edge struct {
	from domain.Status
	on   trigger
}

const (
	idle         = domain.StatusIdle
	calling      = domain.StatusCalling
	ringing      = domain.StatusRinging
	connecting   = domain.StatusConnecting
	connected    = domain.StatusConnected
	reconnecting = domain.StatusReconnecting
	ended        = domain.StatusEnded
)

// transitions is the complete table. Anything absent is rejected.
// Connected only leaves to Reconnecting or Ended.
var transitions = map[edge]domain.Status{
	{idle, trigStart}:       calling,
	{connecting, trigStart}: connecting,
	{idle, trigInvite}:      connecting,

	{idle, trigRemoteOffer}:       ringing,
	{ended, trigRemoteOffer}:      ringing,
	{connecting, trigRemoteOffer}: connecting,
	{calling, trigGlareYield}:     connecting,

	{ringing, trigAccept}:      connecting,
	{connecting, trigAccept}:   connecting,
	{ringing, trigReject}:      idle,
	{ringing, trigRingTimeout}: idle,

	{calling, trigAnswerAccepted}:    connecting,
	{connecting, trigAnswerAccepted}: connecting,

	{calling, trigConnected}:      connected,
	{ringing, trigConnected}:      connected,
	{connecting, trigConnected}:   connected,
	{reconnecting, trigConnected}: connected,

	{calling, trigAnswerTimeout}:         ended,
	{connecting, trigConnectingTimeout}:  ended,
	{reconnecting, trigReconnectTimeout}: ended,

	{connected, trigFailed}:  reconnecting,
	{calling, trigFailed}:    ended,
	{connecting, trigFailed}: ended,

	{calling, trigEnd}:      ended,
	{ringing, trigEnd}:      ended,
	{connecting, trigEnd}:   ended,
	{connected, trigEnd}:    ended,
	{reconnecting, trigEnd}: ended,

	{calling, trigRemoteReject}: idle,

	{calling, trigClosed}:      ended,
	{ringing, trigClosed}:      ended,
	{connecting, trigClosed}:   ended,
	{connected, trigClosed}:    ended,
	{reconnecting, trigClosed}: ended,

	{connected, trigSyncDegraded}:     reconnecting,
	{reconnecting, trigSyncRecovered}: connected,

	{ended, trigReset}:   idle,
	{idle, trigRestore}: reconnecting,
}

func next(from domain.Status, on trigger) (domain.Status, bool) {
	to, ok := transitions[edge{from, on}]
	return to, ok
}
