package core

import (
	"sync/atomic"
	"time"
)

// Clock abstracts wall time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// AudioRouter switches audio output between earpiece and speaker.
type AudioRouter interface {
	SetSpeaker(on bool) error
	Speaker() bool
}

// NopAudioRouter only remembers the requested route.
type NopAudioRouter struct {
	on atomic.Bool
}

func (r *NopAudioRouter) SetSpeaker(on bool) error {
	r.on.Store(on)
	return nil
}

func (r *NopAudioRouter) Speaker() bool { return r.on.Load() }
