package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
)

const storeTimeout = 2 * time.Second

// persistJob is a snapshot to save, or a clear when snap is nil.
type persistJob struct {
	snap *domain.PersistedSnapshot
}

// persister writes the latest snapshot in the background. Newer jobs replace older
// unwritten ones, so the store converges on the last committed state.
type persister struct {
	store core.SnapshotStore

	mu      sync.Mutex
	pending *persistJob
	wake    chan struct{}
}

func newPersister(store core.SnapshotStore) *persister {
	return &persister{store: store, wake: make(chan struct{}, 1)}
}

func (p *persister) submit(job persistJob) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	p.pending = &job
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run(ctx context.Context) {
	if p.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-p.wake:
		}
		p.flush(ctx)
	}
}

func (p *persister) flush(ctx context.Context) {
	p.mu.Lock()
	job := p.pending
	p.pending = nil
	p.mu.Unlock()
	if job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if job.snap == nil {
		if err := p.store.Clear(ctx); err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("clear snapshot")
		}
		return
	}
	if err := p.store.Save(ctx, *job.snap); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("status", job.snap.Status.String()).Msg("save snapshot")
	}
}

func (m *Machine) persistLocked() {
	if m.sess.Status == domain.StatusIdle {
		m.persister.submit(persistJob{})
		return
	}
	now := m.clock.Now()
	snap := m.sessionLocked().Snapshot()
	snap.SentAt = now.UnixMilli()
	m.persister.submit(persistJob{snap: &domain.PersistedSnapshot{
		SyncSnapshot:   snap,
		RemoteUserID:   m.sess.RemoteUserID,
		RemoteUserName: m.sess.RemoteUserName,
		IsCaller:       m.sess.IsCaller,
		CallHistoryID:  m.sess.CallHistoryID,
		SavedAt:        now,
	}})
}
