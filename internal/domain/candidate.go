package domain

// CandidateKind classifies a local ICE candidate.
type CandidateKind int

const (
	CandidateUnknown CandidateKind = iota
	CandidateHost
	CandidateServerReflexive
	CandidateRelay
)

func (k CandidateKind) String() string {
	switch k {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// IceCandidate is an ephemeral, counted-not-persisted view of a gathered candidate.
type IceCandidate struct {
	Kind           CandidateKind
	TransportProto string
	Address        string
	Raw            string
}

// RouteKind describes the path a connected session actually uses.
type RouteKind string

const (
	RouteUnknown RouteKind = "unknown"
	RouteDirect  RouteKind = "direct"
	RouteSTUN    RouteKind = "stun"
	RouteRelay   RouteKind = "relay"
)
