// Package syncer periodically pushes the session snapshot to the remote peer.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
)

type SendFunc func(ctx context.Context, snap domain.SyncSnapshot) error

// Source returns the snapshot to send; false skips this round.
type Source func() (domain.SyncSnapshot, bool)

type Config struct {
	Interval    time.Duration
	MaxFailures int
	Backoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	return c
}

// Hooks report link health transitions. They run on the broadcaster goroutine.
type Hooks struct {
	OnDegraded  func()
	OnRecovered func()
}

type Broadcaster struct {
	cfg   Config
	clock core.Clock
	send  SendFunc
	seq   atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	nudge  chan struct{}
}

func New(cfg Config, clock core.Clock, send SendFunc) *Broadcaster {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Broadcaster{cfg: cfg.withDefaults(), clock: clock, send: send}
}

// Start begins broadcasting. The first snapshot goes out immediately.
func (b *Broadcaster) Start(ctx context.Context, source Source, hooks Hooks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.nudge = make(chan struct{}, 1)
	b.nudge <- struct{}{}
	go b.loop(runCtx, source, hooks, b.nudge)
}

// Stop ends broadcasting without waiting for an in-flight send.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Nudge requests an immediate broadcast, for example after a local mute toggle.
func (b *Broadcaster) Nudge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return
	}
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) loop(ctx context.Context, source Source, hooks Hooks, nudge <-chan struct{}) {
	timer := time.NewTimer(b.cfg.Interval)
	defer timer.Stop()

	failures := 0
	degraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-nudge:
		}

		wait := b.cfg.Interval
		if snap, ok := source(); ok {
			snap.Seq = b.seq.Add(1)
			snap.SentAt = b.clock.Now().UnixMilli()

			sendCtx, cancel := context.WithTimeout(ctx, b.cfg.Interval)
			err := b.send(sendCtx, snap)
			cancel()
			if ctx.Err() != nil {
				return
			}

			if err != nil {
				failures++
				log.Warn().Err(err).Str("module", "syncer").Int("failures", failures).Msg("state sync send failed")
				if failures >= b.cfg.MaxFailures && !degraded {
					degraded = true
					if hooks.OnDegraded != nil {
						hooks.OnDegraded()
					}
				}
				wait = b.backoff(failures)
			} else {
				if degraded && hooks.OnRecovered != nil {
					hooks.OnRecovered()
				}
				degraded = false
				failures = 0
			}
		}
		timer.Reset(wait)
	}
}

func (b *Broadcaster) backoff(failures int) time.Duration {
	d := b.cfg.Backoff
	for i := 1; i < failures && d < b.cfg.Interval; i++ {
		d *= 2
	}
	if d > b.cfg.Interval {
		d = b.cfg.Interval
	}
	return d
}
