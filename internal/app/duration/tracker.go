// Package duration tracks elapsed call time anchored to the shared call start time.
package duration

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
)

// RecoverFunc looks up a previously persisted start time.
type RecoverFunc func(ctx context.Context) (time.Time, bool)

type Tracker struct {
	clock        core.Clock
	tick         time.Duration
	recoverStart RecoverFunc
	onUpdate     func(secs uint64)

	mu      sync.Mutex
	start   time.Time
	last    uint64
	emitted bool
	cancel  context.CancelFunc
	running bool
}

func NewTracker(clock core.Clock, tick time.Duration, recoverStart RecoverFunc, onUpdate func(uint64)) *Tracker {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Tracker{clock: clock, tick: tick, recoverStart: recoverStart, onUpdate: onUpdate}
}

// Start anchors the tracker at start. A zero start is recovered through the RecoverFunc;
// when that fails the tracker stays stopped and ErrStartTimeLost is returned.
// It returns the anchor actually used.
func (t *Tracker) Start(ctx context.Context, start time.Time) (time.Time, error) {
	if start.IsZero() {
		if t.recoverStart == nil {
			t.Stop()
			return time.Time{}, domain.ErrStartTimeLost
		}
		recovered, ok := t.recoverStart(ctx)
		if !ok || recovered.IsZero() {
			log.Warn().Str("module", "duration").Msg("start time unrecoverable, timer stopped")
			t.Stop()
			return time.Time{}, domain.ErrStartTimeLost
		}
		start = recovered
		log.Info().Str("module", "duration").Time("start", start).Msg("start time recovered")
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.start = start
	t.last = 0
	t.emitted = false
	t.running = true
	t.mu.Unlock()

	t.emit()
	go t.loop(runCtx)
	return start, nil
}

// Rebase moves the anchor without restarting the loop.
func (t *Tracker) Rebase(start time.Time) {
	if start.IsZero() {
		return
	}
	t.mu.Lock()
	if !t.running || start.Equal(t.start) {
		t.mu.Unlock()
		return
	}
	t.start = start
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.running = false
}

func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Elapsed returns time since the anchor, zero when stopped.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		return 0
	}
	d := t.clock.Now().Sub(t.start)
	if d < 0 {
		return 0
	}
	return d
}

func (t *Tracker) Seconds() uint64 {
	return uint64(t.Elapsed() / time.Second)
}

func (t *Tracker) loop(ctx context.Context) {
	timer := time.NewTimer(t.nextWait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t.emit()
		timer.Reset(t.nextWait())
	}
}

// nextWait aims at the next whole-tick boundary after the anchor, absorbing scheduler drift.
func (t *Tracker) nextWait() time.Duration {
	elapsed := t.Elapsed()
	wait := t.tick - elapsed%t.tick
	if wait < t.tick/20 {
		wait += t.tick
	}
	return wait
}

// emit reports the elapsed seconds when they changed.
func (t *Tracker) emit() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	d := t.clock.Now().Sub(t.start)
	if d < 0 {
		d = 0
	}
	secs := uint64(d / time.Second)
	if t.emitted && secs == t.last {
		t.mu.Unlock()
		return
	}
	t.last = secs
	t.emitted = true
	fn := t.onUpdate
	t.mu.Unlock()
	if fn != nil {
		fn(secs)
	}
}
