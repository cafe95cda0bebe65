package app

import (
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens when a recipient cannot keep up.
type Policy interface {
	OnBackPressure(target domain.UserID, typ protocol.Type) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, protocol.Type) BackpressureAction {
	return KickMember
}

// SyncTolerantPolicy drops frames that are resent periodically anyway and kicks for
// anything that would break negotiation.
type SyncTolerantPolicy struct{}

func (SyncTolerantPolicy) OnBackPressure(_ domain.UserID, typ protocol.Type) BackpressureAction {
	switch typ {
	case protocol.TypeStateSync, protocol.TypePong, protocol.TypeAck:
		return DropFrame
	default:
		return KickMember
	}
}

// PolicyByName maps a config value to a Policy. Unknown names get SimplePolicy.
func PolicyByName(name string) Policy {
	if name == "tolerant" {
		return SyncTolerantPolicy{}
	}
	return SimplePolicy{}
}
