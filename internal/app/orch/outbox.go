package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

const sendTimeout = 5 * time.Second

type outItem struct {
	env   protocol.Envelope
	epoch uint64
}

// outbox sends envelopes in the order they were queued, off the machine lock.
type outbox struct {
	send   core.SignalSender
	onFail func(outItem, error)

	mu    sync.Mutex
	queue []outItem
	wake  chan struct{}
}

func newOutbox(send core.SignalSender, onFail func(outItem, error)) *outbox {
	return &outbox{send: send, onFail: onFail, wake: make(chan struct{}, 1)}
}

func (o *outbox) push(it outItem) {
	o.mu.Lock()
	o.queue = append(o.queue, it)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			batch := o.queue
			o.queue = nil
			o.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, it := range batch {
				o.deliver(ctx, it)
			}
		}
	}
}

func (o *outbox) deliver(ctx context.Context, it outItem) {
	typ := protocol.TypeOf(it.env)
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := o.send.Send(sctx, it.env)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("type", string(typ)).Str("to", string(it.env.Head().TargetUserID)).Msg("signal send failed")
		if o.onFail != nil {
			o.onFail(it, err)
		}
		return
	}
	metrics.SignalMessages.WithLabelValues("out", string(typ)).Inc()
}

// enqueue queues env for the current call. An empty target means the remote peer.
func (m *Machine) enqueue(env protocol.Envelope) {
	h := env.Head()
	if h.TargetUserID == "" {
		h.TargetUserID = m.sess.RemoteUserID
	}
	m.outbox.push(outItem{env: env, epoch: m.epoch})
}

// onSendFailed ends a call whose setup message could not leave this process.
func (m *Machine) onSendFailed(it outItem, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.epoch != m.epoch {
		return
	}
	fatal := false
	switch env := it.env.(type) {
	case *protocol.Offer:
		fatal = !env.Renegotiation && !env.Resume &&
			(m.sess.Status == domain.StatusCalling || m.sess.Status == domain.StatusConnecting)
	case *protocol.Answer:
		fatal = env.Accepted && !env.Renegotiation && !env.Resume && m.sess.Status == domain.StatusConnecting
	}
	if fatal {
		log.Error().Err(err).Str("module", "orch").Msg("call setup could not be signaled")
		m.endLocked(trigEnd, protocol.ReasonSignaling, m.self.ID, false)
	}
}
