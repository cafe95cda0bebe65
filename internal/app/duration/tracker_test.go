package duration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updates struct {
	mu   sync.Mutex
	secs []uint64
}

func (u *updates) add(s uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.secs = append(u.secs, s)
}

func (u *updates) get() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uint64(nil), u.secs...)
}

func TestTrackerTicksFromAnchor(t *testing.T) {
	u := &updates{}
	tr := NewTracker(core.SystemClock{}, 50*time.Millisecond, nil, u.add)

	start := time.Now().Add(-3 * time.Second)
	used, err := tr.Start(context.Background(), start)
	require.NoError(t, err)
	assert.True(t, used.Equal(start))
	defer tr.Stop()

	got := u.get()
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(3), got[0])

	require.Eventually(t, func() bool {
		return tr.Seconds() >= 4
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		s := u.get()
		return s[len(s)-1] >= 4
	}, 2*time.Second, 20*time.Millisecond)

	// updates are only emitted on change
	s := u.get()
	for i := 1; i < len(s); i++ {
		assert.Greater(t, s[i], s[i-1])
	}
}

func TestTrackerRecoversStartTime(t *testing.T) {
	persisted := time.Now().Add(-10 * time.Second)
	tr := NewTracker(nil, time.Second, func(context.Context) (time.Time, bool) {
		return persisted, true
	}, nil)

	used, err := tr.Start(context.Background(), time.Time{})
	require.NoError(t, err)
	defer tr.Stop()
	assert.True(t, used.Equal(persisted))
	assert.GreaterOrEqual(t, tr.Seconds(), uint64(10))
}

func TestTrackerStopsWhenUnrecoverable(t *testing.T) {
	u := &updates{}
	tr := NewTracker(nil, time.Second, func(context.Context) (time.Time, bool) {
		return time.Time{}, false
	}, u.add)

	_, err := tr.Start(context.Background(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrStartTimeLost)
	assert.False(t, tr.Running())
	assert.Empty(t, u.get())
	assert.Zero(t, tr.Elapsed())
}

func TestTrackerRebase(t *testing.T) {
	u := &updates{}
	tr := NewTracker(nil, time.Hour, nil, u.add)
	now := time.Now()
	_, err := tr.Start(context.Background(), now)
	require.NoError(t, err)
	defer tr.Stop()

	tr.Rebase(now.Add(-5 * time.Second))
	s := u.get()
	assert.Equal(t, uint64(5), s[len(s)-1])

	tr.Stop()
	tr.Rebase(now.Add(-9 * time.Second))
	s2 := u.get()
	assert.Equal(t, len(s), len(s2))
}
