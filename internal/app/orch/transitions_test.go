package orch

import (
	"testing"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []domain.Status{idle, calling, ringing, connecting, connected, reconnecting, ended}

func TestConnectedOnlyLeavesToReconnectingOrEnded(t *testing.T) {
	for e, to := range transitions {
		if e.from != connected || to == connected {
			continue
		}
		assert.Contains(t, []domain.Status{reconnecting, ended}, to, "connected --%s--> %s", e.on, to)
	}
}

func TestEndedOnlyResetsOrRings(t *testing.T) {
	for e, to := range transitions {
		if e.from == ended {
			assert.Contains(t, []domain.Status{idle, ringing}, to, "ended --%s--> %s", e.on, to)
		}
	}
}

func TestUnknownEdgesRejected(t *testing.T) {
	for trig := range triggerNames {
		for _, from := range allStatuses {
			to, ok := next(from, trig)
			want, listed := transitions[edge{from, trig}]
			assert.Equal(t, listed, ok)
			assert.Equal(t, want, to)
		}
	}

	_, ok := next(idle, trigConnected)
	assert.False(t, ok)
	_, ok = next(connected, trigRemoteOffer)
	assert.False(t, ok)
	_, ok = next(ringing, trigAnswerAccepted)
	assert.False(t, ok)
}

func TestEveryTriggerHasAnEdge(t *testing.T) {
	used := map[trigger]bool{}
	for e := range transitions {
		used[e.on] = true
	}
	for trig := range triggerNames {
		assert.True(t, used[trig], "trigger %s never fires", trig)
	}
}

func TestEveryStatusReachable(t *testing.T) {
	seen := map[domain.Status]bool{idle: true}
	for _, to := range transitions {
		seen[to] = true
	}
	for _, s := range allStatuses {
		assert.True(t, seen[s], "%s unreachable", s)
	}
}

func TestTriggerString(t *testing.T) {
	assert.Equal(t, "sync-degraded", trigSyncDegraded.String())
	assert.Equal(t, "glare-yield", trigGlareYield.String())
	assert.Equal(t, "trigger(99)", trigger(99).String())
	assert.Len(t, triggerNames, int(trigGlareYield))
}
