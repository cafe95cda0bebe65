package ice

import (
	"strings"

	"github.com/dkeye/VoiceCall/internal/domain"
	pionice "github.com/pion/ice/v4"
)

// Classify parses a candidate descriptor ("candidate:..." or bare) into an IceCandidate.
// Unparseable descriptors fall back to inspecting the "typ" token.
func Classify(raw string) domain.IceCandidate {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	out := domain.IceCandidate{Raw: raw}

	if c, err := pionice.UnmarshalCandidate(value); err == nil {
		out.Kind = kindOf(c.Type())
		out.TransportProto = c.NetworkType().NetworkShort()
		out.Address = c.Address()
		return out
	}

	fields := strings.Fields(value)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "typ" {
			out.Kind = kindOfToken(fields[i+1])
			break
		}
	}
	if len(fields) > 4 {
		out.TransportProto = strings.ToLower(fields[2])
		out.Address = fields[4]
	}
	return out
}

func kindOf(t pionice.CandidateType) domain.CandidateKind {
	switch t {
	case pionice.CandidateTypeHost:
		return domain.CandidateHost
	case pionice.CandidateTypeServerReflexive, pionice.CandidateTypePeerReflexive:
		return domain.CandidateServerReflexive
	case pionice.CandidateTypeRelay:
		return domain.CandidateRelay
	default:
		return domain.CandidateUnknown
	}
}

func kindOfToken(tok string) domain.CandidateKind {
	switch strings.ToLower(tok) {
	case "host":
		return domain.CandidateHost
	case "srflx", "prflx":
		return domain.CandidateServerReflexive
	case "relay":
		return domain.CandidateRelay
	default:
		return domain.CandidateUnknown
	}
}
