package ice

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostCand  = "candidate:1966762134 1 udp 2130706431 192.168.1.10 54321 typ host"
	srflxCand = "candidate:842163049 1 udp 1677729535 203.0.113.7 61000 typ srflx raddr 192.168.1.10 rport 54321"
	relayCand = "candidate:3745513541 1 udp 16777215 198.51.100.9 3478 typ relay raddr 203.0.113.7 rport 61000"
)

type fakeSource struct{ complete atomic.Bool }

func (f *fakeSource) GatheringComplete() bool { return f.complete.Load() }

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		kind domain.CandidateKind
	}{
		{hostCand, domain.CandidateHost},
		{srflxCand, domain.CandidateServerReflexive},
		{relayCand, domain.CandidateRelay},
		{"garbage typ relay", domain.CandidateRelay},
		{"", domain.CandidateUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, Classify(tt.raw).Kind, tt.raw)
	}
	c := Classify(hostCand)
	assert.Equal(t, "udp", c.TransportProto)
	assert.Equal(t, "192.168.1.10", c.Address)
}

func TestObserveCountsOnce(t *testing.T) {
	c := NewCoordinator()
	c.Observe(hostCand)
	c.Observe(hostCand)
	c.Observe(srflxCand)
	c.Observe(relayCand)

	counts := c.Counts()
	assert.Equal(t, Counts{Host: 1, Srflx: 1, Relay: 1}, counts)
	assert.Equal(t, 3, counts.Total())

	c.Reset()
	assert.Zero(t, c.Counts().Total())
}

func TestWaitReturnsOnComplete(t *testing.T) {
	c := NewCoordinator()
	src := &fakeSource{}
	src.complete.Store(true)

	res := c.Wait(context.Background(), src, Budget{Interval: 5 * time.Millisecond, Floor: time.Second, Ceiling: time.Second})
	assert.Equal(t, StopComplete, res.Reason)
	assert.Less(t, res.Elapsed, 100*time.Millisecond)
}

func TestWaitBoundedByCeiling(t *testing.T) {
	c := NewCoordinator()
	budget := Budget{Interval: 10 * time.Millisecond, Floor: 20 * time.Millisecond, Ceiling: 150 * time.Millisecond}

	start := time.Now()
	res := c.Wait(context.Background(), &fakeSource{}, budget)
	elapsed := time.Since(start)

	assert.Equal(t, StopCeiling, res.Reason)
	assert.GreaterOrEqual(t, elapsed, budget.Ceiling)
	assert.Less(t, elapsed, budget.Ceiling+150*time.Millisecond)
}

func TestWaitReturnsEarlyWithRelayAfterFloor(t *testing.T) {
	c := NewCoordinator()
	budget := Budget{Interval: 10 * time.Millisecond, Floor: 50 * time.Millisecond, Ceiling: 2 * time.Second}
	c.Observe(relayCand)

	res := c.Wait(context.Background(), &fakeSource{}, budget)
	require.Equal(t, StopRelay, res.Reason)
	assert.GreaterOrEqual(t, res.Elapsed, budget.Floor)
	assert.Less(t, res.Elapsed, budget.Ceiling)
	assert.Equal(t, 1, res.Counts.Relay)
}

func TestWaitCanceled(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := c.Wait(ctx, &fakeSource{}, Budget{Interval: 5 * time.Millisecond, Ceiling: 5 * time.Second})
	assert.Equal(t, StopCanceled, res.Reason)
}
