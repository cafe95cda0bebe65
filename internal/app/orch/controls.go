package orch

import (
	"context"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// EndCall hangs up. Ending an already ended call does nothing.
func (m *Machine) EndCall(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.sess.Status {
	case domain.StatusIdle:
		return domain.ErrNoActiveCall
	case domain.StatusEnded:
		return nil
	}
	m.endLocked(trigEnd, protocol.ReasonHangup, m.self.ID, true)
	return nil
}

// endLocked moves the call to Ended, optionally telling the peer. It reports false
// when the call had already ended.
func (m *Machine) endLocked(on trigger, reason string, endedBy domain.UserID, notify bool) bool {
	st := m.sess.Status
	if st == domain.StatusIdle || st == domain.StatusEnded {
		return false
	}
	elapsed := m.tracker.Elapsed()
	if !m.tracker.Running() {
		elapsed = 0
	}
	peer := m.sess.RemoteUserID
	history := m.sess.CallHistoryID
	m.durSecs.Store(uint64(elapsed / time.Second))

	if !m.commit(on) && (on == trigEnd || !m.commit(trigEnd)) {
		return false
	}
	if notify && peer != "" {
		m.enqueue(&protocol.CallEnd{
			Header:        protocol.Header{TargetUserID: peer},
			CallHistoryID: history,
			Duration:      uint64(elapsed / time.Second),
			Reason:        reason,
		})
	}
	m.publishEnded(elapsed, endedBy, reason)
	log.Info().
		Str("module", "orch").
		Str("peer", string(peer)).
		Str("reason", reason).
		Str("ended_by", string(endedBy)).
		Dur("duration", elapsed).
		Msg("call ended")
	return true
}

func (m *Machine) publishEnded(d time.Duration, by domain.UserID, reason string) {
	metrics.CallsEnded.WithLabelValues(reason).Inc()
	events.Publish(m.bus, events.CallEnded, events.CallEndedEvent{Duration: d, EndedBy: by, Reason: reason})
}

// SetAudioEnabled mutes or unmutes the microphone.
func (m *Machine) SetAudioEnabled(on bool) error {
	return m.setTrack(core.KindAudio, on)
}

// SetVideoEnabled turns the camera on or off. A video track must already exist.
func (m *Machine) SetVideoEnabled(on bool) error {
	return m.setTrack(core.KindVideo, on)
}

func (m *Machine) setTrack(kind core.MediaKind, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.sess.Status; st == domain.StatusIdle || st == domain.StatusEnded {
		return domain.ErrNoActiveCall
	}
	if !m.adapter.SetTrackEnabled(kind, on) {
		if kind == core.KindVideo {
			return domain.ErrNoVideoTrack
		}
		return &domain.TransportError{Op: "toggle audio", Cause: "no local audio track", Err: domain.ErrDeviceUnavailable}
	}
	if kind == core.KindAudio {
		m.sess.IsAudioEnabled = on
	} else {
		m.sess.IsVideoEnabled = on
	}
	events.Publish(m.bus, events.LocalStreamUpdated, events.StreamEvent{Kind: kind, Enabled: on})
	m.touchLocked("toggle-" + string(kind))
	m.syncer.Nudge()
	return nil
}

// SetSpeaker routes audio output to the loudspeaker or the earpiece.
func (m *Machine) SetSpeaker(on bool) error {
	if err := m.audio.SetSpeaker(on); err != nil {
		return &domain.TransportError{Op: "route audio", Cause: err.Error(), Err: err}
	}
	return nil
}

// Speaker reports the current audio route.
func (m *Machine) Speaker() bool { return m.audio.Speaker() }
