package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StartCall places a call to peer. From Idle it rings the peer; from a pre-accepted
// Connecting session it only negotiates media with the already agreed peer.
// It returns once the offer is queued for delivery.
func (m *Machine) StartCall(ctx context.Context, peer domain.User, opts CallOptions) error {
	if err := peer.ID.Validate(); err != nil {
		return err
	}
	if peer.ID == m.self.ID {
		return domain.ErrSelfCall
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	origin := m.sess.Status
	switch origin {
	case domain.StatusIdle:
		m.beginCallLocked(peer.ID, peer.Username, true)
	case domain.StatusConnecting:
		if m.sess.RemoteUserID != peer.ID {
			return domain.ErrBusy
		}
		if m.descSent || m.sess.HasPendingOffer() {
			return fmt.Errorf("start call while negotiating: %w", domain.ErrInvalidState)
		}
		m.sess.IsCaller = true
	default:
		return fmt.Errorf("start call in %s: %w", origin, domain.ErrInvalidState)
	}
	m.sess.IsVideoEnabled = opts.Video

	if err := m.adapter.AcquireAndAttach(ctx, core.KindAudio); err != nil {
		m.abortLocked(origin)
		return err
	}
	if opts.Video {
		if err := m.adapter.AcquireAndAttach(ctx, core.KindVideo); err != nil {
			m.abortLocked(origin)
			return err
		}
	}
	m.ice.Reset()
	gen, err := m.adapter.Open()
	if err != nil {
		m.abortLocked(origin)
		return err
	}
	if _, err := m.adapter.CreateOffer(false); err != nil {
		m.abortLocked(origin)
		return err
	}
	m.commit(trigStart)

	epoch := m.epoch
	if !m.awaitGathering(epoch, gen) {
		return domain.ErrCallSuperseded
	}
	if st := m.sess.Status; st != domain.StatusCalling && st != domain.StatusConnecting {
		return domain.ErrCallSuperseded
	}
	desc, ok := m.adapter.LocalSDP()
	if !ok {
		return domain.ErrCallSuperseded
	}
	m.offerID = uuid.NewString()
	m.descSent = true
	m.enqueue(&protocol.Offer{
		Header:     protocol.Header{ID: m.offerID},
		SDP:        desc.SDP,
		SDPType:    desc.Type.String(),
		IsVideo:    opts.Video,
		CallerName: m.self.Username,
	})
	log.Info().Str("module", "orch").Str("peer", string(peer.ID)).Bool("video", opts.Video).Msg("offer queued")
	return nil
}

// PreAccept enters Connecting for a call both sides already agreed to through an
// invitation, so the next offer from peer is answered without ringing.
func (m *Machine) PreAccept(peer domain.User, opts CallOptions) error {
	if err := peer.ID.Validate(); err != nil {
		return err
	}
	if peer.ID == m.self.ID {
		return domain.ErrSelfCall
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status != domain.StatusIdle {
		if m.sess.Status == domain.StatusConnecting && m.sess.RemoteUserID == peer.ID {
			return nil
		}
		return domain.ErrBusy
	}
	m.beginCallLocked(peer.ID, peer.Username, false)
	m.acceptVideo = opts.Video
	m.sess.IsVideoEnabled = opts.Video
	m.commit(trigInvite)
	return nil
}

// restartICELocked offers an ICE restart over the existing transport. Candidates trickle.
func (m *Machine) restartICELocked() {
	if _, err := m.adapter.CreateOffer(true); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("ice restart offer")
		return
	}
	desc, ok := m.adapter.LocalSDP()
	if !ok {
		return
	}
	m.ice.Reset()
	m.descSent = true
	m.enqueue(&protocol.Offer{
		SDP:           desc.SDP,
		SDPType:       desc.Type.String(),
		IsVideo:       m.sess.IsVideoEnabled,
		Renegotiation: true,
	})
	log.Info().Str("module", "orch").Msg("ice restart offered")
}

// sendUpgradeOfferLocked renegotiates to add the committed video track.
func (m *Machine) sendUpgradeOfferLocked() {
	m.upgrade.deferred = false
	if _, err := m.adapter.CreateOffer(false); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("video renegotiation offer")
		return
	}
	desc, ok := m.adapter.LocalSDP()
	if !ok {
		return
	}
	m.upgrade.offered = true
	m.enqueue(&protocol.Offer{
		SDP:           desc.SDP,
		SDPType:       desc.Type.String(),
		IsVideo:       true,
		Renegotiation: true,
	})
}
