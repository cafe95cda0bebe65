package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given source id and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, id string, src PacketReader) {
	logger := log.With().
		Str("module", "relay").
		Str("src", id).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[id]; ok {
		logger.Info().Msg("replacing existing relay for source")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[id] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// AddSubscriber attaches a sink to the relay of srcID under dstID.
func (m *RelayManager) AddSubscriber(srcID, dstID string, sink PacketWriter) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[srcID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ot := NewOutTrack(sink)
	relay.AddOutTrack(dstID, ot)
	return ot, true
}

// MarkSubscriberDelete marks the subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(srcID, dstID string) {
	m.mu.RLock()
	relay, ok := m.relays[srcID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dstID); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(srcID string) {
	m.mu.Lock()
	relay, ok := m.relays[srcID]
	if ok {
		delete(m.relays, srcID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for id.
func (m *RelayManager) HasRelay(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}

// Subscribers counts the live sinks of a relay.
func (m *RelayManager) Subscribers(id string) int {
	m.mu.RLock()
	relay, ok := m.relays[id]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.size()
}
