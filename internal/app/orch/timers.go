package orch

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type timerKind int

const (
	timerAnswer timerKind = iota + 1
	timerRing
	timerConnecting
	timerReconnect
	timerReset
)

func (k timerKind) String() string {
	switch k {
	case timerAnswer:
		return "answer"
	case timerRing:
		return "ring"
	case timerConnecting:
		return "connecting"
	case timerReconnect:
		return "reconnect"
	case timerReset:
		return "reset"
	}
	return "unknown"
}

// timerSlot pairs a pending timer with the token it was armed with.
// A callback whose token no longer matches lost a race with disarm and does nothing.
type timerSlot struct {
	t   *time.Timer
	seq uint64
}

func (m *Machine) armLocked(kind timerKind, d time.Duration) {
	m.disarmLocked(kind)
	m.timerSeq++
	seq := m.timerSeq
	slot := &timerSlot{seq: seq}
	slot.t = time.AfterFunc(d, func() { m.onTimer(kind, seq) })
	m.timers[kind] = slot
}

func (m *Machine) disarmLocked(kind timerKind) {
	if slot, ok := m.timers[kind]; ok {
		slot.t.Stop()
		delete(m.timers, kind)
	}
}

func (m *Machine) disarmAllLocked() {
	for kind := range m.timers {
		m.disarmLocked(kind)
	}
}

func (m *Machine) armedLocked(kind timerKind) bool {
	_, ok := m.timers[kind]
	return ok
}

func (m *Machine) onTimer(kind timerKind, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.timers[kind]
	if !ok || slot.seq != seq {
		return
	}
	delete(m.timers, kind)
	log.Info().Str("module", "orch").Str("timer", kind.String()).Str("state", m.sess.Status.String()).Msg("timer fired")

	switch kind {
	case timerAnswer:
		if m.sess.Status != domain.StatusCalling {
			return
		}
		if m.endLocked(trigAnswerTimeout, protocol.ReasonTimeout, m.self.ID, true) {
			m.commit(trigReset)
		}
	case timerRing:
		if m.sess.Status != domain.StatusRinging {
			return
		}
		peer := m.sess.RemoteUserID
		m.enqueue(&protocol.Answer{Header: protocol.Header{TargetUserID: peer}, Accepted: false, Reason: protocol.ReasonTimeout})
		m.publishEnded(0, peer, protocol.ReasonTimeout)
		m.commit(trigRingTimeout)
	case timerConnecting:
		m.endLocked(trigConnectingTimeout, protocol.ReasonTimeout, m.self.ID, true)
	case timerReconnect:
		m.endLocked(trigReconnectTimeout, protocol.ReasonTimeout, m.self.ID, true)
	case timerReset:
		m.commit(trigReset)
	}
}
