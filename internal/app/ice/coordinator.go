// Package ice decides how long to wait for local candidate gathering before an SDP is sent.
package ice

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Budget bounds a gathering wait.
type Budget struct {
	// Interval is the polling period.
	Interval time.Duration
	// Floor is the minimum wait once a relay candidate is present.
	Floor time.Duration
	// Ceiling is the hard upper bound.
	Ceiling time.Duration
}

func DefaultBudget() Budget {
	return Budget{
		Interval: 100 * time.Millisecond,
		Floor:    2 * time.Second,
		Ceiling:  8 * time.Second,
	}
}

func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.Interval <= 0 {
		b.Interval = d.Interval
	}
	if b.Ceiling <= 0 {
		b.Ceiling = d.Ceiling
	}
	if b.Floor < 0 {
		b.Floor = 0
	}
	if b.Floor > b.Ceiling {
		b.Floor = b.Ceiling
	}
	return b
}

// GatherSource reports the gathering progress of the current connection.
type GatherSource interface {
	GatheringComplete() bool
}

// StopReason tells why a wait returned.
type StopReason string

const (
	StopComplete StopReason = "complete"
	StopRelay    StopReason = "relay"
	StopCeiling  StopReason = "ceiling"
	StopCanceled StopReason = "canceled"
)

// Counts holds per-kind candidate totals.
type Counts struct {
	Host    int `json:"host"`
	Srflx   int `json:"srflx"`
	Relay   int `json:"relay"`
	Unknown int `json:"unknown"`
}

func (c Counts) Total() int { return c.Host + c.Srflx + c.Relay + c.Unknown }

type Result struct {
	Reason  StopReason
	Elapsed time.Duration
	Counts  Counts
}

// Coordinator classifies and counts local candidates for one negotiation.
type Coordinator struct {
	mu     sync.Mutex
	counts Counts
	seen   map[string]struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{seen: make(map[string]struct{})}
}

// Reset clears counts before a new negotiation.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = Counts{}
	c.seen = make(map[string]struct{})
}

// Observe classifies a gathered candidate. Duplicates are not counted twice.
func (c *Coordinator) Observe(raw string) domain.IceCandidate {
	cand := Classify(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[raw]; dup {
		return cand
	}
	c.seen[raw] = struct{}{}
	switch cand.Kind {
	case domain.CandidateHost:
		c.counts.Host++
	case domain.CandidateServerReflexive:
		c.counts.Srflx++
	case domain.CandidateRelay:
		c.counts.Relay++
	default:
		c.counts.Unknown++
	}
	return cand
}

func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// Wait polls src until gathering completes, a relay candidate exists after the floor,
// the ceiling elapses or ctx is done. It never blocks longer than the ceiling.
func (c *Coordinator) Wait(ctx context.Context, src GatherSource, budget Budget) Result {
	budget = budget.withDefaults()
	start := time.Now()
	deadline := time.NewTimer(budget.Ceiling)
	defer deadline.Stop()
	ticker := time.NewTicker(budget.Interval)
	defer ticker.Stop()

	done := func(reason StopReason) Result {
		res := Result{Reason: reason, Elapsed: time.Since(start), Counts: c.Counts()}
		log.Debug().
			Str("module", "ice").
			Str("reason", string(reason)).
			Dur("elapsed", res.Elapsed).
			Int("host", res.Counts.Host).
			Int("srflx", res.Counts.Srflx).
			Int("relay", res.Counts.Relay).
			Msg("gathering wait finished")
		return res
	}

	for {
		if src.GatheringComplete() {
			return done(StopComplete)
		}
		if c.Counts().Relay > 0 && time.Since(start) >= budget.Floor {
			return done(StopRelay)
		}
		select {
		case <-ctx.Done():
			return done(StopCanceled)
		case <-deadline.C:
			return done(StopCeiling)
		case <-ticker.C:
		}
	}
}
