package orch

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Restore resumes a call persisted by a previous process. It reports whether a resume
// offer went out. Stale, finished or externally superseded snapshots are discarded.
func (m *Machine) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Status != domain.StatusIdle {
		log.Info().Str("module", "orch").Str("state", m.sess.Status.String()).Msg("restore skipped, call in progress")
		return false, nil
	}
	age := snap.Age(m.clock.Now())
	discard := ""
	switch {
	case m.externalActive:
		discard = "external call active"
	case age < 0 || age > m.opts.RestoreWindow:
		discard = "snapshot too old"
	case !snap.Status.Live():
		discard = "call was not live"
	case snap.RemoteUserID.Validate() != nil || snap.RemoteUserID == m.self.ID:
		discard = "no peer"
	}
	if discard != "" {
		log.Info().Str("module", "orch").Str("reason", discard).Dur("age", age).Msg("persisted call discarded")
		m.persister.submit(persistJob{})
		return false, nil
	}

	m.beginCallLocked(snap.RemoteUserID, snap.RemoteUserName, snap.IsCaller)
	if snap.CallHistoryID != "" {
		m.sess.CallHistoryID = snap.CallHistoryID
	}
	m.sess.IsAudioEnabled = snap.IsAudioEnabled
	m.sess.IsVideoEnabled = snap.IsVideoEnabled
	m.sess.CallStartTime = snap.StartTime()
	m.durSecs.Store(snap.CallDurationSecs)

	if err := m.adapter.AcquireAndAttach(ctx, core.KindAudio); err != nil {
		m.abortLocked(domain.StatusIdle)
		return false, err
	}
	m.adapter.SetTrackEnabled(core.KindAudio, snap.IsAudioEnabled)
	if snap.IsVideoEnabled {
		if err := m.adapter.AcquireAndAttach(ctx, core.KindVideo); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("camera unavailable on resume")
			m.sess.IsVideoEnabled = false
		}
	}
	m.ice.Reset()
	if _, err := m.adapter.Open(); err != nil {
		m.abortLocked(domain.StatusIdle)
		return false, err
	}
	desc, err := m.adapter.CreateOffer(false)
	if err != nil {
		m.abortLocked(domain.StatusIdle)
		return false, err
	}
	m.commit(trigRestore)
	m.descSent = true
	m.enqueue(&protocol.Offer{
		SDP:        desc.SDP,
		SDPType:    desc.Type.String(),
		IsVideo:    m.sess.IsVideoEnabled,
		Resume:     true,
		CallerName: m.self.Username,
	})
	log.Info().Str("module", "orch").Str("peer", string(snap.RemoteUserID)).Dur("age", age).Msg("resuming persisted call")
	return true, nil
}
