package core

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/domain"
)

// SnapshotStore persists the last session snapshot across restarts.
// Load returns nil, nil when nothing is stored.
type SnapshotStore interface {
	Save(ctx context.Context, snap domain.PersistedSnapshot) error
	Load(ctx context.Context) (*domain.PersistedSnapshot, error)
	Clear(ctx context.Context) error
}
