package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/domain"
)

var ErrMissingType = errors.New("message type missing")

// Message is a decoded header plus the raw payload for typed access.
type Message struct {
	Header
	Raw json.RawMessage
}

// Decode parses the header of a raw frame and keeps the payload for later.
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Message{}, fmt.Errorf("decode header: %w", err)
	}
	if h.Type == "" {
		return Message{}, ErrMissingType
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Message{Header: h, Raw: raw}, nil
}

// Payload decodes the full message into T.
func Payload[T any](m Message) (*T, error) {
	var v T
	if err := json.Unmarshal(m.Raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return &v, nil
}

// Encode marshals an envelope, forcing its type to match the Go type.
func Encode(env Envelope) ([]byte, error) {
	if t := TypeOf(env); t != "" {
		env.Head().Type = t
	}
	if env.Head().Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(env)
}

// TypeOf returns the wire type for a known envelope.
func TypeOf(env Envelope) Type {
	switch env.(type) {
	case *Offer:
		return TypeOffer
	case *Answer:
		return TypeAnswer
	case *ICECandidate:
		return TypeICECandidate
	case *Ack:
		return TypeAck
	case *CallEnd:
		return TypeCallEnd
	case *StateSync:
		return TypeStateSync
	case *UpgradeRequest:
		return TypeUpgradeRequest
	case *UpgradeAccepted:
		return TypeUpgradeAccepted
	case *UpgradeRejected:
		return TypeUpgradeRejected
	case *Error:
		return TypeError
	case *Ping:
		return TypePing
	case *Pong:
		return TypePong
	case *Rename:
		return TypeRename
	case *WhoAmI:
		return TypeWhoAmI
	}
	return ""
}

// StampFrom rewrites the from field of a raw frame without touching the rest.
func StampFrom(data []byte, from domain.UserID) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	v, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["from"] = v
	return json.Marshal(fields)
}
