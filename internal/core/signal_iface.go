package core

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/protocol"
)

// Frame is a raw signaling payload.
type Frame []byte

// SignalConnection abstracts a server-side messaging transport to one user.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalSender delivers envelopes to the user named in their header.
type SignalSender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// SignalHandler consumes decoded inbound messages.
type SignalHandler interface {
	HandleMessage(ctx context.Context, msg protocol.Message)
}
