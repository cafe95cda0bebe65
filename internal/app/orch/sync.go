package orch

import (
	"context"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/syncer"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type syncOrigin int

const (
	fromPeer syncOrigin = iota + 1
	fromExternal
)

func (m *Machine) syncSource(epoch uint64) syncer.Source {
	return func() (domain.SyncSnapshot, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		st := m.sess.Status
		if m.epoch != epoch || (st != domain.StatusConnected && st != domain.StatusReconnecting) {
			return domain.SyncSnapshot{}, false
		}
		return m.sessionLocked().Snapshot(), true
	}
}

func (m *Machine) sendSync(ctx context.Context, snap domain.SyncSnapshot) error {
	m.mu.Lock()
	peer := m.sess.RemoteUserID
	m.mu.Unlock()
	if peer == "" {
		return domain.ErrNoActiveCall
	}
	err := m.signal.Send(ctx, &protocol.StateSync{Header: protocol.Header{TargetUserID: peer}, SyncSnapshot: snap})
	if err != nil {
		metrics.SyncFailures.Inc()
		return err
	}
	metrics.SignalMessages.WithLabelValues("out", string(protocol.TypeStateSync)).Inc()
	return nil
}

func (m *Machine) onSyncDegraded(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.sess.Status != domain.StatusConnected {
		return
	}
	log.Warn().Str("module", "orch").Msg("state sync degraded")
	m.commit(trigSyncDegraded)
}

func (m *Machine) onSyncRecovered(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.sess.Status != domain.StatusReconnecting {
		return
	}
	if m.adapter.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return
	}
	log.Info().Str("module", "orch").Msg("state sync recovered")
	m.commit(trigSyncRecovered)
}

func (m *Machine) onStateSync(msg protocol.Message) {
	s, err := protocol.Payload[protocol.StateSync](msg)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad state-sync payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status == domain.StatusIdle || msg.From != m.sess.RemoteUserID {
		return
	}
	if s.Seq != 0 && s.Seq <= m.lastRemoteSeq {
		log.Debug().Str("module", "orch").Uint64("seq", s.Seq).Uint64("last", m.lastRemoteSeq).Msg("stale state-sync dropped")
		return
	}
	if s.Seq > m.lastRemoteSeq {
		m.lastRemoteSeq = s.Seq
	}
	m.mergeLocked(s.SyncSnapshot, fromPeer)
}

// SyncFromExternal merges a snapshot from the platform call authority.
// Snapshots older than the last one applied are ignored.
func (m *Machine) SyncFromExternal(snap domain.SyncSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status == domain.StatusIdle {
		return domain.ErrNoActiveCall
	}
	if snap.SentAt != 0 {
		if snap.SentAt <= m.lastExternalAt {
			return nil
		}
		m.lastExternalAt = snap.SentAt
	}
	m.mergeLocked(snap, fromExternal)
	return nil
}

// SetExternalActive records whether the platform authority reports a call in progress.
// While it does, a persisted session is not resumed.
func (m *Machine) SetExternalActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.externalActive = active
}

// mergeLocked folds a snapshot into the session. Status from a snapshot never moves the
// machine on its own: only Ended and a confirmed Connected are honored.
func (m *Machine) mergeLocked(snap domain.SyncSnapshot, origin syncOrigin) {
	changed := false
	switch origin {
	case fromPeer:
		if m.sess.RemoteAudioEnabled != snap.IsAudioEnabled {
			m.sess.RemoteAudioEnabled = snap.IsAudioEnabled
			changed = true
		}
		if snap.IsVideoEnabled && !m.sess.IsVideoEnabled && !m.upgrade.requested && !m.upgrade.incoming {
			m.sess.IsVideoEnabled = true
			changed = true
		}
	case fromExternal:
		if m.sess.IsAudioEnabled != snap.IsAudioEnabled {
			m.sess.IsAudioEnabled = snap.IsAudioEnabled
			m.adapter.SetTrackEnabled(core.KindAudio, snap.IsAudioEnabled)
			changed = true
		}
		if m.sess.IsVideoEnabled != snap.IsVideoEnabled {
			m.sess.IsVideoEnabled = snap.IsVideoEnabled
			m.adapter.SetTrackEnabled(core.KindVideo, snap.IsVideoEnabled)
			changed = true
		}
	}
	if st := snap.StartTime(); st != nil && m.adoptStartLocked(*st) {
		changed = true
	}

	switch snap.Status {
	case domain.StatusEnded:
		if origin == fromPeer {
			m.endLocked(trigEnd, protocol.ReasonRemote, m.sess.RemoteUserID, false)
		} else {
			m.endLocked(trigEnd, protocol.ReasonHangup, m.self.ID, true)
		}
		return
	case domain.StatusConnected:
		if m.sess.Status == domain.StatusReconnecting && m.adapter.ConnectionState() == webrtc.PeerConnectionStateConnected {
			m.commit(trigConnected)
			return
		}
	}
	if changed {
		m.touchLocked("sync")
		m.syncer.Nudge()
	}
}

// adoptStartLocked keeps the earliest known start time of a live call.
func (m *Machine) adoptStartLocked(start time.Time) bool {
	if !m.sess.Status.Live() {
		return false
	}
	if cur := m.sess.CallStartTime; cur != nil && !start.Before(*cur) {
		return false
	}
	m.sess.CallStartTime = &start
	m.tracker.Rebase(start)
	return true
}
