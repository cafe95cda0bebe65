package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/media"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// AcceptCall answers the ringing call. In a pre-accepted session that has not seen the
// offer yet it only records the choice; the offer is answered on arrival.
func (m *Machine) AcceptCall(ctx context.Context, opts CallOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sess.Status {
	case domain.StatusRinging:
	case domain.StatusConnecting:
		if !m.sess.HasPendingOffer() {
			m.acceptVideo = opts.Video
			return nil
		}
	default:
		return fmt.Errorf("accept call in %s: %w", m.sess.Status, domain.ErrInvalidState)
	}
	withVideo := opts.Video && media.HasVideo(m.sess.PendingOfferSDP)
	err := m.answerLocked(ctx, withVideo)
	if err == nil {
		return nil
	}
	var te *domain.TransportError
	if errors.As(err, &te) || errors.Is(err, domain.ErrCallSuperseded) {
		return err
	}
	log.Error().Err(err).Str("module", "orch").Msg("answer failed")
	m.endLocked(trigEnd, protocol.ReasonNegotiation, m.self.ID, true)
	return err
}

// answerLocked applies the pending offer and sends the answer carrying the canonical
// call start time. mu is released during the gathering wait.
func (m *Machine) answerLocked(ctx context.Context, withVideo bool) error {
	offer := m.sess.PendingOfferSDP
	if !m.adapter.HasLocal(core.KindAudio) {
		if err := m.adapter.AcquireAndAttach(ctx, core.KindAudio); err != nil {
			return err
		}
	}
	if withVideo && !m.adapter.HasLocal(core.KindVideo) {
		if err := m.adapter.AcquireAndAttach(ctx, core.KindVideo); err != nil {
			return err
		}
	}
	m.ice.Reset()
	m.descSent = false
	gen, err := m.adapter.Open()
	if err != nil {
		return err
	}
	if _, err := m.adapter.AcceptOffer(offer); err != nil {
		return err
	}
	m.sess.PendingOfferSDP = ""
	m.sess.IsVideoEnabled = withVideo
	now := m.clock.Now().Truncate(time.Millisecond)
	m.sess.CallStartTime = &now
	m.commit(trigAccept)

	epoch := m.epoch
	if !m.awaitGathering(epoch, gen) {
		return domain.ErrCallSuperseded
	}
	if st := m.sess.Status; st != domain.StatusConnecting && st != domain.StatusConnected {
		return domain.ErrCallSuperseded
	}
	desc, ok := m.adapter.LocalSDP()
	if !ok {
		return domain.ErrCallSuperseded
	}
	m.descSent = true
	m.enqueue(&protocol.Answer{
		SDP:           desc.SDP,
		SDPType:       desc.Type.String(),
		Accepted:      true,
		CallStartTime: m.sess.CallStartTime.UnixMilli(),
	})
	log.Info().Str("module", "orch").Str("peer", string(m.sess.RemoteUserID)).Bool("video", withVideo).Msg("answer queued")
	return nil
}

// autoAnswer answers an offer in a pre-accepted session. It runs off the signaling
// goroutine so inbound candidates keep flowing during the gathering wait.
func (m *Machine) autoAnswer(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.sess.Status != domain.StatusConnecting || !m.sess.HasPendingOffer() {
		return
	}
	withVideo := m.acceptVideo && media.HasVideo(m.sess.PendingOfferSDP)
	err := m.answerLocked(m.callCtx, withVideo)
	if err == nil || errors.Is(err, domain.ErrCallSuperseded) {
		return
	}
	log.Error().Err(err).Str("module", "orch").Msg("automatic answer failed")
	reason := protocol.ReasonNegotiation
	var te *domain.TransportError
	if errors.As(err, &te) {
		reason = protocol.ReasonTransport
	}
	m.endLocked(trigEnd, reason, m.self.ID, true)
}

// RejectCall declines the ringing call.
func (m *Machine) RejectCall(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status != domain.StatusRinging {
		return fmt.Errorf("reject call in %s: %w", m.sess.Status, domain.ErrInvalidState)
	}
	peer := m.sess.RemoteUserID
	m.enqueue(&protocol.Answer{Accepted: false, Reason: protocol.ReasonRejected})
	m.publishEnded(0, m.self.ID, protocol.ReasonRejected)
	m.commit(trigReject)
	log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("call rejected")
	return nil
}

func (m *Machine) onAnswer(msg protocol.Message) {
	ans, err := protocol.Payload[protocol.Answer](msg)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad answer payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Status == domain.StatusIdle || msg.From != m.sess.RemoteUserID {
		log.Debug().Str("module", "orch").Str("from", string(msg.From)).Msg("answer for no call ignored")
		return
	}
	if !ans.Accepted {
		m.onDeclinedLocked(msg.From, ans)
		return
	}
	if ans.Renegotiation || ans.Resume {
		m.applyRenegotiationAnswerLocked(ans)
		return
	}

	switch m.sess.Status {
	case domain.StatusCalling, domain.StatusConnecting:
	case domain.StatusConnected, domain.StatusReconnecting:
		log.Debug().Str("module", "orch").Str("signaling", m.adapter.SignalingState().String()).Msg("late answer ignored")
		return
	default:
		return
	}

	if err := m.adapter.ApplyAnswer(ans.SDP); err != nil {
		if domain.IsBenignProtocol(err) {
			log.Debug().Err(err).Str("module", "orch").Msg("duplicate answer ignored")
			return
		}
		log.Error().Err(err).Str("module", "orch").Msg("apply answer")
		m.endLocked(trigEnd, protocol.ReasonNegotiation, m.self.ID, true)
		return
	}
	if start := domain.StartTimeFromMillis(ans.CallStartTime); start != nil {
		m.sess.CallStartTime = start
	}
	m.commit(trigAnswerAccepted)
}

func (m *Machine) onDeclinedLocked(from domain.UserID, ans *protocol.Answer) {
	if ans.Renegotiation {
		log.Info().Str("module", "orch").Str("reason", ans.Reason).Msg("renegotiation declined")
		if m.upgrade.offered {
			m.upgrade.offered = false
			m.upgrade.deferred = true
		}
		return
	}
	switch m.sess.Status {
	case domain.StatusCalling:
		reason := ans.Reason
		if reason == "" {
			reason = protocol.ReasonRejected
		}
		events.Publish(m.bus, events.CallRejected, events.CallRejectedEvent{By: from, Reason: reason})
		metrics.CallsEnded.WithLabelValues(reason).Inc()
		m.commit(trigRemoteReject)
	case domain.StatusConnecting, domain.StatusReconnecting:
		reason := protocol.ReasonRejected
		if ans.Resume && ans.Reason != "" {
			reason = ans.Reason
		}
		m.endLocked(trigEnd, reason, from, false)
	}
}

// applyRenegotiationAnswerLocked completes a mid-call offer of ours. Failures are
// logged and the call continues on the previous description.
func (m *Machine) applyRenegotiationAnswerLocked(ans *protocol.Answer) {
	if st := m.sess.Status; st != domain.StatusConnected && st != domain.StatusReconnecting {
		return
	}
	offered := m.upgrade.offered
	m.upgrade.offered = false
	err := m.adapter.ApplyAnswer(ans.SDP)
	switch {
	case err == nil:
		if offered && media.HasVideo(ans.SDP) && !m.sess.IsVideoEnabled {
			m.sess.IsVideoEnabled = true
			m.touchLocked("video-negotiated")
		}
	case domain.IsBenignProtocol(err):
		log.Debug().Err(err).Str("module", "orch").Msg("duplicate renegotiation answer ignored")
	case errors.Is(err, domain.ErrMLineOrder):
		log.Warn().Err(err).Str("module", "orch").Msg("renegotiation order mismatch, video kept local")
		if offered && !m.sess.IsVideoEnabled {
			m.sess.IsVideoEnabled = true
			m.touchLocked("video-local")
		}
	default:
		log.Warn().Err(err).Str("module", "orch").Msg("renegotiation answer rejected")
	}
	if ans.Resume {
		if start := domain.StartTimeFromMillis(ans.CallStartTime); start != nil {
			m.adoptStartLocked(*start)
		}
	}
	if m.upgrade.deferred && m.adapter.SignalingState() == webrtc.SignalingStateStable {
		m.sendUpgradeOfferLocked()
	}
}
