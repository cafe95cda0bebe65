package orch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/adapters/store"
	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func persisted(peer domain.UserID, status domain.Status, savedAt time.Time) domain.PersistedSnapshot {
	return domain.PersistedSnapshot{
		SyncSnapshot: domain.SyncSnapshot{
			Status:         status,
			CallStartTime:  savedAt.Add(-time.Minute).UnixMilli(),
			IsAudioEnabled: true,
		},
		RemoteUserID:  peer,
		IsCaller:      true,
		CallHistoryID: "hist-1",
		SavedAt:       savedAt,
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	h := newHub()
	a := newPeer(t, h, "alice", "Alice", fastOptions(), nil)

	ok, err := a.m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.StatusIdle, a.status())
}

func TestRestoreDiscardsUnusableSnapshots(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		snap domain.PersistedSnapshot
	}{
		{"stale", persisted("bob", domain.StatusConnected, now.Add(-10*time.Minute))},
		{"future", persisted("bob", domain.StatusConnected, now.Add(time.Hour))},
		{"not live", persisted("bob", domain.StatusRinging, now)},
		{"self", persisted("alice", domain.StatusConnected, now)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHub()
			st := store.NewMemory()
			require.NoError(t, st.Save(context.Background(), tc.snap))
			a := newPeer(t, h, "alice", "Alice", fastOptions(), st)

			ok, err := a.m.Restore(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, domain.StatusIdle, a.status())
			require.Eventually(t, func() bool {
				snap, _ := st.Load(context.Background())
				return snap == nil
			}, waitFor, tick)
			assert.Empty(t, h.sent(a.user.ID, protocol.TypeOffer))
		})
	}
}

func TestRestoreYieldsToExternalCall(t *testing.T) {
	h := newHub()
	st := store.NewMemory()
	require.NoError(t, st.Save(context.Background(), persisted("bob", domain.StatusConnected, time.Now())))
	a := newPeer(t, h, "alice", "Alice", fastOptions(), st)
	a.m.SetExternalActive(true)

	ok, err := a.m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.StatusIdle, a.status())
}

func TestRestoreToForgottenCallEnds(t *testing.T) {
	h := newHub()
	st := store.NewMemory()
	require.NoError(t, st.Save(context.Background(), persisted("bob", domain.StatusConnected, time.Now())))
	newPeer(t, h, "bob", "Bob", fastOptions(), nil)
	a := newPeer(t, h, "alice", "Alice", fastOptions(), st)
	ended := events.Subscribe(a.bus, events.CallEnded)

	ok, err := a.m.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReconnecting, a.status())
	assert.Equal(t, "hist-1", a.m.Session().CallHistoryID)

	ev := recv(t, ended)
	assert.Equal(t, "call_gone", ev.Reason)
	answers := h.sent("bob", protocol.TypeAnswer)
	require.Len(t, answers, 1)
	ans, err := protocol.Payload[protocol.Answer](answers[0])
	require.NoError(t, err)
	assert.False(t, ans.Accepted)
	assert.True(t, ans.Resume)
	assert.Empty(t, h.sent("bob", protocol.TypeCallEnd))
	a.waitStatus(domain.StatusIdle)
	require.Eventually(t, func() bool {
		snap, _ := st.Load(context.Background())
		return snap == nil
	}, waitFor, tick)
}

func TestRestoreResumesLiveCall(t *testing.T) {
	h := newHub()
	a := newPeer(t, h, "alice", "Alice", fastOptions(), nil)
	b := newPeer(t, h, "bob", "Bob", fastOptions(), nil)
	connect(t, a, b, orch.CallOptions{})
	before := a.m.Session()
	require.Eventually(t, func() bool {
		snap, _ := a.store.Load(context.Background())
		return snap != nil && snap.Status == domain.StatusConnected
	}, waitFor, tick)

	a.stop()
	h.detach(a.user.ID)
	a2 := newPeer(t, h, "alice", "Alice", fastOptions(), a.store)

	ok, err := a2.m.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReconnecting, a2.status())

	require.Eventually(t, func() bool { return len(b.engine.Conns()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return a2.conn().SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)
	a2.transport(webrtc.PeerConnectionStateConnected)
	b.transport(webrtc.PeerConnectionStateConnected)
	a2.waitStatus(domain.StatusConnected)

	after := a2.m.Session()
	assert.Equal(t, before.CallHistoryID, after.CallHistoryID)
	assert.Equal(t, before.CallStartTime.UnixMilli(), after.CallStartTime.UnixMilli())
	assert.True(t, after.IsCaller)
	assert.Equal(t, domain.StatusConnected, b.status())
}

func TestResumedPeerSnapshotsAreApplied(t *testing.T) {
	h := newHub()
	a := newPeer(t, h, "alice", "Alice", fastOptions(), nil)
	b := newPeer(t, h, "bob", "Bob", fastOptions(), nil)
	connect(t, a, b, orch.CallOptions{})
	inject(t, b, a.user.ID, &protocol.StateSync{SyncSnapshot: domain.SyncSnapshot{
		Status:         domain.StatusConnected,
		IsAudioEnabled: true,
		Seq:            1000,
	}})
	require.Eventually(t, func() bool {
		snap, _ := a.store.Load(context.Background())
		return snap != nil && snap.Status == domain.StatusConnected
	}, waitFor, tick)

	a.stop()
	h.detach(a.user.ID)
	a2 := newPeer(t, h, "alice", "Alice", fastOptions(), a.store)
	ok, err := a2.m.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return len(b.engine.Conns()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return a2.conn().SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)
	a2.transport(webrtc.PeerConnectionStateConnected)
	b.transport(webrtc.PeerConnectionStateConnected)
	a2.waitStatus(domain.StatusConnected)

	require.NoError(t, a2.m.SetAudioEnabled(false))
	require.Eventually(t, func() bool { return !b.m.Session().RemoteAudioEnabled }, waitFor, tick)
	assert.Equal(t, domain.StatusConnected, b.status())
}

// gatedStore blocks Load while block is set, then reports a snapshot anchored at start.
type gatedStore struct {
	*store.Memory
	gate  chan struct{}
	block atomic.Bool
	start time.Time
}

func (s *gatedStore) Load(ctx context.Context) (*domain.PersistedSnapshot, error) {
	if !s.block.Load() {
		return s.Memory.Load(ctx)
	}
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	snap := persisted("bob", domain.StatusConnected, time.Now())
	snap.CallStartTime = s.start.UnixMilli()
	return &snap, nil
}

func TestReconnectRecoversStartTimeOffLock(t *testing.T) {
	h := newHub()
	mem := store.NewMemory()
	snap := persisted("bob", domain.StatusConnected, time.Now())
	snap.CallStartTime = 0
	require.NoError(t, mem.Save(context.Background(), snap))
	gs := &gatedStore{Memory: mem, gate: make(chan struct{}), start: time.Now().Add(-90 * time.Second).Truncate(time.Millisecond)}
	a := newPeerWith(t, h, "alice", "Alice", fastOptions(), mem, gs)

	ok, err := a.m.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, a.m.Session().CallStartTime)

	gs.block.Store(true)
	a.transport(webrtc.PeerConnectionStateConnected)
	a.waitStatus(domain.StatusConnected)
	assert.Nil(t, a.m.Session().CallStartTime)

	close(gs.gate)
	require.Eventually(t, func() bool {
		s := a.m.Session()
		return s.CallStartTime != nil && s.CallStartTime.UnixMilli() == gs.start.UnixMilli()
	}, waitFor, tick)
	require.Eventually(t, func() bool { return a.m.Session().CallDurationSecs >= 90 }, waitFor, tick)
}
