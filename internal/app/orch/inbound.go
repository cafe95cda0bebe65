package orch

import (
	"context"
	"errors"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/media"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/patrickmn/go-cache"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const reasonCallGone = "call_gone"

// HandleMessage implements core.SignalHandler. Delivery is at least once, so messages
// carrying an id are processed once; repeated candidates are still acknowledged.
func (m *Machine) HandleMessage(_ context.Context, msg protocol.Message) {
	if msg.ID != "" {
		key := string(msg.From) + "/" + msg.ID
		if err := m.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			log.Debug().Str("module", "orch").Str("type", string(msg.Type)).Str("id", msg.ID).Msg("duplicate message")
			if msg.Type == protocol.TypeICECandidate {
				m.reackCandidate(msg)
			}
			return
		}
	}
	metrics.SignalMessages.WithLabelValues("in", string(msg.Type)).Inc()

	switch msg.Type {
	case protocol.TypeOffer:
		m.onOffer(msg)
	case protocol.TypeAnswer:
		m.onAnswer(msg)
	case protocol.TypeICECandidate:
		m.onRemoteCandidate(msg)
	case protocol.TypeAck:
		m.onAck(msg)
	case protocol.TypeCallEnd:
		m.onCallEnd(msg)
	case protocol.TypeStateSync:
		m.onStateSync(msg)
	case protocol.TypeUpgradeRequest:
		m.onUpgradeRequest(msg)
	case protocol.TypeUpgradeAccepted:
		m.onUpgradeAccepted(msg)
	case protocol.TypeUpgradeRejected:
		m.onUpgradeRejected(msg)
	case protocol.TypeError:
		m.onRelayError(msg)
	case protocol.TypePong, protocol.TypeWhoAmI:
	default:
		log.Debug().Str("module", "orch").Str("type", string(msg.Type)).Msg("unhandled message")
	}
}

func (m *Machine) onOffer(msg protocol.Message) {
	offer, err := protocol.Payload[protocol.Offer](msg)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad offer payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from := msg.From
	if offer.Renegotiation || offer.Resume {
		m.onMidCallOfferLocked(from, offer)
		return
	}

	st := m.sess.Status
	same := from == m.sess.RemoteUserID
	switch {
	case st == domain.StatusIdle || st == domain.StatusEnded:
		if st == domain.StatusEnded {
			m.disarmLocked(timerReset)
		}
		m.beginCallLocked(from, offer.CallerName, false)
		m.sess.PendingOfferSDP = offer.SDP
		m.sess.IsVideoEnabled = offer.IsVideo
		m.commit(trigRemoteOffer)
		events.Publish(m.bus, events.IncomingCall, events.IncomingCallEvent{From: from, FromName: offer.CallerName, IsVideo: offer.IsVideo})

	case st == domain.StatusConnecting && same:
		if m.descSent && m.sess.IsCaller && !m.yieldsTo(from) {
			log.Info().Str("module", "orch").Msg("offer glare, keeping own offer")
			return
		}
		m.takeRemoteOfferLocked(offer)
		m.commit(trigRemoteOffer)
		go m.autoAnswer(m.epoch)

	case st == domain.StatusCalling && same:
		if !m.yieldsTo(from) {
			log.Info().Str("module", "orch").Msg("offer glare, keeping own offer")
			return
		}
		log.Info().Str("module", "orch").Msg("offer glare, answering peer offer")
		m.acceptVideo = m.sess.IsVideoEnabled
		m.takeRemoteOfferLocked(offer)
		m.commit(trigGlareYield)
		go m.autoAnswer(m.epoch)

	case same:
		log.Debug().Str("module", "orch").Str("state", st.String()).Msg("repeated offer ignored")

	default:
		log.Info().Str("module", "orch").Str("from", string(from)).Msg("busy, declining offer")
		m.outbox.push(outItem{env: &protocol.Answer{
			Header:   protocol.Header{TargetUserID: from},
			Accepted: false,
			Reason:   protocol.ReasonBusy,
		}, epoch: m.epoch})
	}
}

// yieldsTo breaks offer glare: the lexically smaller user id keeps its offer.
func (m *Machine) yieldsTo(peer domain.UserID) bool {
	return m.self.ID > peer
}

func (m *Machine) takeRemoteOfferLocked(offer *protocol.Offer) {
	m.adapter.Close()
	m.descSent = false
	m.offerID = ""
	m.sess.IsCaller = false
	m.sess.PendingOfferSDP = offer.SDP
	if offer.CallerName != "" {
		m.sess.RemoteUserName = offer.CallerName
	}
	m.sess.IsVideoEnabled = m.sess.IsVideoEnabled || offer.IsVideo
}

// onMidCallOfferLocked handles renegotiation and resume offers for the live call.
func (m *Machine) onMidCallOfferLocked(from domain.UserID, offer *protocol.Offer) {
	st := m.sess.Status
	if from != m.sess.RemoteUserID || (st != domain.StatusConnected && st != domain.StatusReconnecting) {
		if offer.Resume {
			log.Info().Str("module", "orch").Str("from", string(from)).Msg("resume for unknown call")
			m.outbox.push(outItem{env: &protocol.Answer{
				Header:   protocol.Header{TargetUserID: from},
				Accepted: false,
				Resume:   true,
				Reason:   reasonCallGone,
			}, epoch: m.epoch})
		}
		return
	}

	if offer.Resume {
		m.ice.Reset()
		m.descSent = false
		// a restarted peer numbers its snapshots from one again
		m.lastRemoteSeq = 0
		if _, err := m.adapter.Open(); err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("resume transport")
			m.endLocked(trigEnd, protocol.ReasonTransport, m.self.ID, true)
			return
		}
		desc, err := m.adapter.AcceptOffer(offer.SDP)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("resume offer")
			m.endLocked(trigEnd, protocol.ReasonNegotiation, m.self.ID, true)
			return
		}
		m.descSent = true
		ans := &protocol.Answer{SDP: desc.SDP, SDPType: desc.Type.String(), Accepted: true, Resume: true}
		if m.sess.CallStartTime != nil {
			ans.CallStartTime = m.sess.CallStartTime.UnixMilli()
		}
		m.enqueue(ans)
		log.Info().Str("module", "orch").Msg("peer resumed call")
		return
	}

	if m.adapter.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		log.Info().Str("module", "orch").Msg("renegotiation glare, declining peer offer")
		m.enqueue(&protocol.Answer{Accepted: false, Renegotiation: true, Reason: "glare"})
		return
	}
	desc, err := m.adapter.AcceptOffer(offer.SDP)
	if err != nil {
		if errors.Is(err, domain.ErrMLineOrder) && offer.IsVideo && !m.sess.IsVideoEnabled {
			m.sess.IsVideoEnabled = true
			m.touchLocked("video-local")
		}
		log.Warn().Err(err).Str("module", "orch").Msg("renegotiation offer rejected")
		m.enqueue(&protocol.Answer{Accepted: false, Renegotiation: true, Reason: protocol.ReasonNegotiation})
		return
	}
	m.enqueue(&protocol.Answer{SDP: desc.SDP, SDPType: desc.Type.String(), Accepted: true, Renegotiation: true})
	if media.HasVideo(offer.SDP) && offer.IsVideo && !m.sess.IsVideoEnabled {
		m.sess.IsVideoEnabled = true
		m.touchLocked("video-negotiated")
	}
}

func (m *Machine) onCallEnd(msg protocol.Message) {
	end, err := protocol.Payload[protocol.CallEnd](msg)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad call-end payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.From != m.sess.RemoteUserID {
		return
	}
	reason := end.Reason
	if reason == "" || reason == protocol.ReasonHangup {
		reason = protocol.ReasonRemote
	}
	m.endLocked(trigEnd, reason, msg.From, false)
}

// onRelayError handles relay failures. An offline peer ends our ringing attempt.
func (m *Machine) onRelayError(msg protocol.Message) {
	e, err := protocol.Payload[protocol.Error](msg)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Warn().Str("module", "orch").Str("code", e.Code).Str("ref", e.Ref).Str("message", e.Message).Msg("relay error")
	if e.Ref == "" || e.Ref != m.offerID || m.sess.Status != domain.StatusCalling {
		return
	}
	switch e.Code {
	case protocol.CodePeerOffline:
		m.endLocked(trigEnd, protocol.ReasonUnreachable, m.self.ID, false)
	case protocol.CodeRateLimited:
		m.endLocked(trigEnd, protocol.CodeRateLimited, m.self.ID, false)
	}
}
