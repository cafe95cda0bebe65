package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() domain.PersistedSnapshot {
	start := time.UnixMilli(1_700_000_000_000)
	return domain.PersistedSnapshot{
		SyncSnapshot: domain.SyncSnapshot{
			Status:           domain.StatusConnected,
			CallStartTime:    start.UnixMilli(),
			CallDurationSecs: 42,
			IsAudioEnabled:   true,
		},
		RemoteUserID:   "bob",
		RemoteUserName: "Bob",
		IsCaller:       true,
		CallHistoryID:  "h-1",
		SavedAt:        start.Add(42 * time.Second).UTC(),
	}
}

func exercise(t *testing.T, s core.SnapshotStore) {
	ctx := context.Background()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := sample()
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.RemoteUserID, got.RemoteUserID)
	assert.Equal(t, want.CallStartTime, got.CallStartTime)
	assert.True(t, want.SavedAt.Equal(got.SavedAt))

	next := want
	next.Status = domain.StatusReconnecting
	require.NoError(t, s.Save(ctx, next))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReconnecting, got.Status)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryStoreReturnsCopy(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Save(context.Background(), sample()))
	a, _ := m.Load(context.Background())
	a.Status = domain.StatusEnded
	b, _ := m.Load(context.Background())
	assert.Equal(t, domain.StatusConnected, b.Status)
}

func TestFileStore(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "nested", "session.json"))
	require.NoError(t, err)
	exercise(t, f)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Save(context.Background(), sample()))

	again, err := NewFile(path)
	require.NoError(t, err)
	got, err := again.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h-1", got.CallHistoryID)
}

func TestNewFileRequiresPath(t *testing.T) {
	_, err := NewFile("")
	assert.Error(t, err)
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.ErrorContains(t, err, "addr is required")
}

func TestRedisKeyAndDefaults(t *testing.T) {
	cfg := RedisConfig{}.withDefaults()
	assert.Equal(t, "voicecall:session:alice", Key(cfg.Prefix, "alice"))
	assert.Equal(t, 10*time.Minute, cfg.TTL)

	_, err := NewRedis(nil, cfg, "alice")
	assert.Error(t, err)
}
