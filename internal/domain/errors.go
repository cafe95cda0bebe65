package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState      = errors.New("operation not valid in current call state")
	ErrNoActiveCall      = errors.New("no active call")
	ErrBusy              = errors.New("another call is in progress")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrCallSuperseded    = errors.New("call was ended or replaced")
	ErrUpgradePending    = errors.New("video upgrade already pending")
	ErrVideoActive       = errors.New("video already enabled")
	ErrNoVideoTrack      = errors.New("no local video track")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrStartTimeLost     = errors.New("call start time unrecoverable")
	ErrNotConnected      = errors.New("signaling not connected")
)

// Benign negotiation conditions. They are recovered locally.
var (
	ErrAlreadyStable = errors.New("negotiation already stable")
	ErrMLineOrder    = errors.New("media line order mismatch")
)

// ProtocolError reports SDP applied in the wrong negotiation sub-state.
type ProtocolError struct {
	Op    string
	State string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("protocol: %s in state %s: %v", e.Op, e.State, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Benign reports whether the condition is a known harmless duplicate.
func (e *ProtocolError) Benign() bool {
	return errors.Is(e.Err, ErrAlreadyStable)
}

// TransportError reports a media or device failure with a human-readable cause.
type TransportError struct {
	Op    string
	Cause string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Cause, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a guard timer that ended the call.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Phase
}

// IsBenignProtocol reports whether err is a recoverable negotiation duplicate.
func IsBenignProtocol(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Benign()
	}
	return errors.Is(err, ErrAlreadyStable)
}
