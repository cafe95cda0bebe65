package orch

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/media"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// pendingAck is a trickled candidate waiting for the peer's acknowledgement.
type pendingAck struct {
	msg      *protocol.ICECandidate
	epoch    uint64
	attempts int
	timer    *time.Timer
}

func (m *Machine) clearAcksLocked() {
	for id, pa := range m.acks {
		pa.timer.Stop()
		delete(m.acks, id)
	}
}

// onMediaEvent receives transport callbacks in order from the adapter dispatcher.
func (m *Machine) onMediaEvent(ev media.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.adapter.Current(ev.Gen) {
		return
	}
	switch ev.Kind {
	case media.EventLocalCandidate:
		m.onLocalCandidateLocked(ev.Candidate)
	case media.EventConnectionState:
		m.onConnectionStateLocked(ev.ConnState)
	case media.EventICEState:
		log.Debug().Str("module", "orch").Str("ice", ev.ICEState.String()).Str("state", m.sess.Status.String()).Msg("ice state")
	case media.EventRemoteTrack:
		kind := core.KindAudio
		if ev.Track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = core.KindVideo
		}
		events.Publish(m.bus, events.RemoteStreamUpdated, events.StreamEvent{Kind: kind, TrackID: ev.Track.ID(), Enabled: true})
	}
}

func (m *Machine) onConnectionStateLocked(s webrtc.PeerConnectionState) {
	st := m.sess.Status
	log.Debug().Str("module", "orch").Str("transport", s.String()).Str("state", st.String()).Msg("transport state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		switch st {
		case domain.StatusCalling, domain.StatusRinging, domain.StatusConnecting, domain.StatusReconnecting:
			m.commit(trigConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		switch st {
		case domain.StatusConnected:
			m.commit(trigFailed)
			if m.sess.IsCaller {
				m.restartICELocked()
			}
		case domain.StatusReconnecting:
			if !m.armedLocked(timerReconnect) {
				m.armLocked(timerReconnect, m.opts.ReconnectTimeout)
				if m.sess.IsCaller {
					m.restartICELocked()
				}
			}
		case domain.StatusCalling, domain.StatusConnecting:
			m.endLocked(trigFailed, protocol.ReasonTransport, m.self.ID, true)
		}
	case webrtc.PeerConnectionStateClosed:
		m.endLocked(trigClosed, protocol.ReasonClosed, m.self.ID, true)
	}
}

func (m *Machine) onLocalCandidateLocked(c webrtc.ICECandidateInit) {
	cand := m.ice.Observe(c.Candidate)
	metrics.CandidatesGathered.WithLabelValues(cand.Kind.String()).Inc()
	st := m.sess.Status
	if !m.descSent || st == domain.StatusIdle || st == domain.StatusEnded {
		return
	}
	msg := &protocol.ICECandidate{
		Header:        protocol.Header{ID: uuid.NewString()},
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
		AckRequested:  true,
	}
	m.enqueue(msg)
	m.armAckLocked(msg)
}

func (m *Machine) armAckLocked(msg *protocol.ICECandidate) {
	id := msg.ID
	epoch := m.epoch
	pa := &pendingAck{msg: msg, epoch: epoch}
	pa.timer = time.AfterFunc(m.opts.CandidateAckTimeout, func() { m.onAckTimeout(id, epoch) })
	m.acks[id] = pa
}

func (m *Machine) onAckTimeout(id string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.acks[id]
	if !ok || pa.epoch != epoch || m.epoch != epoch {
		return
	}
	if pa.attempts >= m.opts.CandidateRetries {
		delete(m.acks, id)
		log.Warn().Str("module", "orch").Str("id", id).Int("attempts", pa.attempts).Msg("candidate never acknowledged")
		return
	}
	pa.attempts++
	m.enqueue(pa.msg)
	pa.timer = time.AfterFunc(m.opts.CandidateAckTimeout, func() { m.onAckTimeout(id, epoch) })
}

func (m *Machine) onAck(msg protocol.Message) {
	ack, err := protocol.Payload[protocol.Ack](msg)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pa, ok := m.acks[ack.Ref]; ok {
		pa.timer.Stop()
		delete(m.acks, ack.Ref)
	}
}

func (m *Machine) onRemoteCandidate(msg protocol.Message) {
	c, err := protocol.Payload[protocol.ICECandidate](msg)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad candidate payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sess.Status
	if st == domain.StatusEnded || (st != domain.StatusIdle && msg.From != m.sess.RemoteUserID) {
		return
	}
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	if err := m.adapter.AddRemoteCandidate(init); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("remote candidate rejected")
	}
	if c.AckRequested && c.ID != "" {
		m.outbox.push(outItem{env: &protocol.Ack{Header: protocol.Header{TargetUserID: msg.From}, Ref: c.ID}, epoch: m.epoch})
	}
}

// reackCandidate acknowledges a candidate that was already applied.
func (m *Machine) reackCandidate(msg protocol.Message) {
	c, err := protocol.Payload[protocol.ICECandidate](msg)
	if err != nil || !c.AckRequested {
		return
	}
	m.outbox.push(outItem{env: &protocol.Ack{Header: protocol.Header{TargetUserID: msg.From}, Ref: c.ID}})
}
