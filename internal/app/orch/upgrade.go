package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RequestUpgrade asks the peer to move the call to video. The camera is opened
// speculatively so it is ready when the peer agrees.
func (m *Machine) RequestUpgrade(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status != domain.StatusConnected {
		return fmt.Errorf("video upgrade in %s: %w", m.sess.Status, domain.ErrInvalidState)
	}
	if m.sess.IsVideoEnabled && m.adapter.HasLocal(core.KindVideo) {
		return domain.ErrVideoActive
	}
	if m.upgrade.requested || m.upgrade.incoming || m.upgrade.offered {
		return domain.ErrUpgradePending
	}
	m.upgrade.requested = true
	m.enqueue(&protocol.UpgradeRequest{})
	if err := m.adapter.PrepareVideo(ctx); err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("speculative camera open failed")
	}
	return nil
}

// AcceptUpgrade agrees to the peer's pending video request. The requester renegotiates.
func (m *Machine) AcceptUpgrade(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.upgrade.incoming || m.sess.Status != domain.StatusConnected {
		return fmt.Errorf("accept upgrade: %w", domain.ErrInvalidState)
	}
	return m.acceptUpgradeLocked(ctx)
}

func (m *Machine) acceptUpgradeLocked(ctx context.Context) error {
	if err := m.adapter.CommitVideo(ctx); err != nil {
		return err
	}
	m.upgrade.incoming = false
	m.sess.IsVideoEnabled = true
	m.enqueue(&protocol.UpgradeAccepted{})
	events.Publish(m.bus, events.LocalStreamUpdated, events.StreamEvent{Kind: core.KindVideo, Enabled: true})
	m.touchLocked("video-accepted")
	return nil
}

// RejectUpgrade declines the peer's pending video request.
func (m *Machine) RejectUpgrade(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.upgrade.incoming {
		return fmt.Errorf("reject upgrade: %w", domain.ErrInvalidState)
	}
	m.upgrade.incoming = false
	m.enqueue(&protocol.UpgradeRejected{Reason: protocol.ReasonRejected})
	events.Publish(m.bus, events.VideoUpgradeRejected, events.UpgradeEvent{Peer: m.sess.RemoteUserID, Reason: "declined locally"})
	return nil
}

func (m *Machine) onUpgradeRequest(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.From != m.sess.RemoteUserID || m.sess.Status != domain.StatusConnected {
		return
	}
	if m.upgrade.requested {
		if !m.yieldsTo(msg.From) {
			log.Info().Str("module", "orch").Msg("upgrade glare, keeping own request")
			return
		}
		log.Info().Str("module", "orch").Msg("upgrade glare, accepting peer request")
		m.upgrade.requested = false
		if err := m.acceptUpgradeLocked(m.callCtx); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("camera unavailable for upgrade")
			m.enqueue(&protocol.UpgradeRejected{Reason: "camera_unavailable"})
		}
		return
	}
	m.upgrade.incoming = true
	events.Publish(m.bus, events.VideoUpgradeRequested, events.UpgradeEvent{Peer: msg.From})
}

func (m *Machine) onUpgradeAccepted(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.upgrade.requested || msg.From != m.sess.RemoteUserID || m.sess.Status != domain.StatusConnected {
		return
	}
	m.upgrade.requested = false
	if err := m.adapter.CommitVideo(m.callCtx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("camera unavailable after upgrade accepted")
		events.Publish(m.bus, events.VideoUpgradeRejected, events.UpgradeEvent{Peer: msg.From, Reason: "camera unavailable"})
		return
	}
	m.sess.IsVideoEnabled = true
	events.Publish(m.bus, events.VideoUpgradeAccepted, events.UpgradeEvent{Peer: msg.From})
	events.Publish(m.bus, events.LocalStreamUpdated, events.StreamEvent{Kind: core.KindVideo, Enabled: true})
	if m.adapter.SignalingState() == webrtc.SignalingStateStable {
		m.sendUpgradeOfferLocked()
	} else {
		m.upgrade.deferred = true
	}
	m.touchLocked("video-accepted")
}

func (m *Machine) onUpgradeRejected(msg protocol.Message) {
	r, err := protocol.Payload[protocol.UpgradeRejected](msg)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.upgrade.requested || msg.From != m.sess.RemoteUserID {
		return
	}
	m.upgrade.requested = false
	m.adapter.DropPrepared()
	events.Publish(m.bus, events.VideoUpgradeRejected, events.UpgradeEvent{Peer: msg.From, Reason: r.Reason})
}
