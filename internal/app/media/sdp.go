package media

import (
	"fmt"

	"github.com/dkeye/VoiceCall/internal/app/ice"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/sdp/v3"
)

// MLine is one media section of a session description.
type MLine struct {
	Kind string
	Mid  string
}

// MLines lists media sections in order.
func MLines(raw string) ([]MLine, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	out := make([]MLine, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		mid, _ := md.Attribute("mid")
		out = append(out, MLine{Kind: md.MediaName.Media, Mid: mid})
	}
	return out, nil
}

// HasVideo reports whether raw offers a video section.
func HasVideo(raw string) bool {
	lines, err := MLines(raw)
	if err != nil {
		return false
	}
	for _, l := range lines {
		if l.Kind == "video" {
			return true
		}
	}
	return false
}

// SameMLineOrder reports whether next keeps every media section of prev at the same index.
// Appended sections are allowed.
func SameMLineOrder(prev, next string) (bool, error) {
	a, err := MLines(prev)
	if err != nil {
		return false, err
	}
	b, err := MLines(next)
	if err != nil {
		return false, err
	}
	if len(b) < len(a) {
		return false, nil
	}
	for i := range a {
		if a[i] != b[i] {
			return false, nil
		}
	}
	return true, nil
}

// CountCandidates counts the candidates embedded in a description by kind.
func CountCandidates(raw string) (ice.Counts, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return ice.Counts{}, fmt.Errorf("parse sdp: %w", err)
	}
	var counts ice.Counts
	seen := make(map[string]struct{})
	add := func(attrs []sdp.Attribute) {
		for _, a := range attrs {
			if a.Key != "candidate" {
				continue
			}
			if _, dup := seen[a.Value]; dup {
				continue
			}
			seen[a.Value] = struct{}{}
			switch ice.Classify(a.Value).Kind {
			case domain.CandidateHost:
				counts.Host++
			case domain.CandidateServerReflexive:
				counts.Srflx++
			case domain.CandidateRelay:
				counts.Relay++
			default:
				counts.Unknown++
			}
		}
	}
	add(sd.Attributes)
	for _, md := range sd.MediaDescriptions {
		add(md.Attributes)
	}
	return counts, nil
}
