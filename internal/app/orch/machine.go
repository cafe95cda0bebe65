// Package orch drives the single call session: it owns the state machine, reacts to
// signaling and transport events, and keeps the peer and the durable store in step.
package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/duration"
	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/ice"
	"github.com/dkeye/VoiceCall/internal/app/media"
	"github.com/dkeye/VoiceCall/internal/app/syncer"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSignal  = errors.New("orch: signal sender is required")
	ErrNoEngine  = errors.New("orch: media engine is required")
	ErrNoBus     = errors.New("orch: event bus is required")
	ErrBadUserID = errors.New("orch: local user id is invalid")
)

type Options struct {
	AnswerTimeout       time.Duration
	RingTimeout         time.Duration
	ConnectingTimeout   time.Duration
	ReconnectTimeout    time.Duration
	EndGrace            time.Duration
	CandidateAckTimeout time.Duration
	CandidateRetries    int
	RestoreWindow       time.Duration
	Tick                time.Duration
	Gather              ice.Budget
	Sync                syncer.Config
}

func DefaultOptions() Options {
	return Options{
		AnswerTimeout:       30 * time.Second,
		RingTimeout:         30 * time.Second,
		ConnectingTimeout:   30 * time.Second,
		ReconnectTimeout:    9 * time.Second,
		EndGrace:            time.Second,
		CandidateAckTimeout: 2 * time.Second,
		CandidateRetries:    3,
		RestoreWindow:       time.Minute,
		Tick:                time.Second,
		Gather:              ice.DefaultBudget(),
		Sync:                syncer.Config{Interval: 5 * time.Second, MaxFailures: 3, Backoff: 500 * time.Millisecond},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = d.AnswerTimeout
	}
	if o.RingTimeout <= 0 {
		o.RingTimeout = d.RingTimeout
	}
	if o.ConnectingTimeout <= 0 {
		o.ConnectingTimeout = d.ConnectingTimeout
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = d.ReconnectTimeout
	}
	if o.EndGrace <= 0 {
		o.EndGrace = d.EndGrace
	}
	if o.CandidateAckTimeout <= 0 {
		o.CandidateAckTimeout = d.CandidateAckTimeout
	}
	if o.CandidateRetries < 0 {
		o.CandidateRetries = 0
	}
	if o.RestoreWindow <= 0 {
		o.RestoreWindow = d.RestoreWindow
	}
	if o.Tick <= 0 {
		o.Tick = d.Tick
	}
	return o
}

// Deps are the collaborators the machine drives. Store, Audio and Clock are optional.
type Deps struct {
	Signal  core.SignalSender
	Engine  core.MediaEngine
	Devices core.MediaDevices
	Store   core.SnapshotStore
	Audio   core.AudioRouter
	Bus     *events.Bus
	Clock   core.Clock
}

// CallOptions select the media of an outgoing or accepted call.
type CallOptions struct {
	Video bool
}

// upgradeState tracks the two-phase audio to video upgrade.
type upgradeState struct {
	requested bool // we asked and wait for the reply
	incoming  bool // the peer asked and waits for us
	offered   bool // our renegotiation offer is outstanding
	deferred  bool // accepted, offer waits for a stable sub-state
}

// Machine is the call session orchestrator. Every mutation of the session happens
// under mu; network sends leave through the outbox so mu is never held across I/O.
type Machine struct {
	self  domain.User
	opts  Options
	store core.SnapshotStore
	audio core.AudioRouter
	bus   *events.Bus
	clock core.Clock

	signal    core.SignalSender
	adapter   *media.Adapter
	ice       *ice.Coordinator
	tracker   *duration.Tracker
	syncer    *syncer.Broadcaster
	outbox    *outbox
	persister *persister
	seen      *cache.Cache
	durSecs   atomic.Uint64

	mu             sync.Mutex
	runCtx         context.Context
	sess           domain.CallSession
	epoch          uint64
	callCtx        context.Context
	callCancel     context.CancelFunc
	timers         map[timerKind]*timerSlot
	timerSeq       uint64
	acks           map[string]*pendingAck
	descSent       bool
	offerID        string
	acceptVideo    bool
	lastRemoteSeq  uint64
	lastExternalAt int64
	externalActive bool
	upgrade        upgradeState
}

func New(self domain.User, deps Deps, opts Options) (*Machine, error) {
	if err := self.ID.Validate(); err != nil {
		return nil, errors.Join(ErrBadUserID, err)
	}
	if deps.Signal == nil {
		return nil, ErrNoSignal
	}
	if deps.Engine == nil {
		return nil, ErrNoEngine
	}
	if deps.Bus == nil {
		return nil, ErrNoBus
	}
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	if deps.Audio == nil {
		deps.Audio = &core.NopAudioRouter{}
	}
	opts = opts.withDefaults()

	m := &Machine{
		self:    self,
		opts:    opts,
		store:   deps.Store,
		audio:   deps.Audio,
		bus:     deps.Bus,
		clock:   deps.Clock,
		signal:  deps.Signal,
		adapter: media.NewAdapter(deps.Engine, deps.Devices),
		ice:     ice.NewCoordinator(),
		seen:    cache.New(2*time.Minute, 5*time.Minute),
		timers:  make(map[timerKind]*timerSlot),
		acks:    make(map[string]*pendingAck),
	}
	m.tracker = duration.NewTracker(deps.Clock, opts.Tick, nil, m.onDuration)
	m.syncer = syncer.New(opts.Sync, deps.Clock, m.sendSync)
	m.outbox = newOutbox(deps.Signal, m.onSendFailed)
	m.persister = newPersister(deps.Store)
	return m, nil
}

// Run drives the transport dispatcher, the outbox and the persister until ctx is done.
// The session is left in place so a restarted process can resume it.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.adapter.Run(gctx, m.onMediaEvent)
		return nil
	})
	g.Go(func() error {
		m.outbox.run(gctx)
		return nil
	})
	g.Go(func() error {
		m.persister.run(gctx)
		return nil
	})
	log.Info().Str("module", "orch").Str("user", string(m.self.ID)).Msg("session machine started")
	err := g.Wait()

	m.mu.Lock()
	m.disarmAllLocked()
	m.clearAcksLocked()
	m.tracker.Stop()
	m.syncer.Stop()
	m.mu.Unlock()
	m.adapter.Close()
	log.Info().Str("module", "orch").Msg("session machine stopped")
	return err
}

// Self returns the local user.
func (m *Machine) Self() domain.User { return m.self }

// Session returns a copy of the current session.
func (m *Machine) Session() domain.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked()
}

func (m *Machine) sessionLocked() domain.CallSession {
	s := m.sess
	if s.Status != domain.StatusIdle {
		s.CallDurationSecs = m.durSecs.Load()
	}
	return s
}

func (m *Machine) baseCtx() context.Context {
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// beginCallLocked starts a new epoch for a call with peer. Status is left to the caller.
func (m *Machine) beginCallLocked(peer domain.UserID, name string, caller bool) {
	m.epoch++
	if m.callCancel != nil {
		m.callCancel()
	}
	m.callCtx, m.callCancel = context.WithCancel(m.baseCtx())
	m.sess = domain.CallSession{
		Status:             m.sess.Status,
		RemoteUserID:       peer,
		RemoteUserName:     name,
		IsCaller:           caller,
		IsAudioEnabled:     true,
		RemoteAudioEnabled: true,
		CallHistoryID:      uuid.NewString(),
	}
	m.durSecs.Store(0)
	m.descSent = false
	m.offerID = ""
	m.acceptVideo = false
	m.lastRemoteSeq = 0
	m.lastExternalAt = 0
	m.upgrade = upgradeState{}
}

// teardownLocked releases everything bound to the current call.
func (m *Machine) teardownLocked() {
	if m.callCancel != nil {
		m.callCancel()
		m.callCancel = nil
	}
	m.disarmAllLocked()
	m.clearAcksLocked()
	m.tracker.Stop()
	m.syncer.Stop()
	m.adapter.Close()
	m.ice.Reset()
	m.descSent = false
	m.upgrade = upgradeState{}
}

// abortLocked undoes a local intent that failed before its transition committed.
func (m *Machine) abortLocked(origin domain.Status) {
	if origin == domain.StatusIdle {
		m.teardownLocked()
		m.sess = domain.CallSession{}
		m.epoch++
		return
	}
	m.adapter.Close()
	m.descSent = false
}

// touchLocked persists and announces a field change that is not a transition.
func (m *Machine) touchLocked(reason string) {
	m.persistLocked()
	events.Publish(m.bus, events.SessionChanged, events.SessionChangedEvent{
		Session: m.sessionLocked(),
		From:    m.sess.Status,
		Trigger: reason,
	})
}

// commit applies on to the session. It reports false when no edge exists.
func (m *Machine) commit(on trigger) bool {
	from := m.sess.Status
	to, ok := next(from, on)
	if !ok {
		metrics.RejectedTransitions.WithLabelValues(from.String(), on.String()).Inc()
		log.Debug().Str("module", "orch").Str("state", from.String()).Str("trigger", on.String()).Msg("transition rejected")
		return false
	}
	m.sess.Status = to
	if from != to {
		metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
		m.leave(from)
		m.enter(from, to, on)
	}
	log.Info().
		Str("module", "orch").
		Str("from", from.String()).
		Str("to", to.String()).
		Str("trigger", on.String()).
		Str("peer", string(m.sess.RemoteUserID)).
		Msg("transition")
	m.persistLocked()
	events.Publish(m.bus, events.SessionChanged, events.SessionChangedEvent{
		Session: m.sessionLocked(),
		From:    from,
		Trigger: on.String(),
	})
	return true
}

func (m *Machine) leave(from domain.Status) {
	switch from {
	case domain.StatusCalling:
		m.disarmLocked(timerAnswer)
	case domain.StatusRinging:
		m.disarmLocked(timerRing)
	case domain.StatusConnecting:
		m.disarmLocked(timerConnecting)
	case domain.StatusReconnecting:
		m.disarmLocked(timerReconnect)
	case domain.StatusEnded:
		m.disarmLocked(timerReset)
	}
}

func (m *Machine) enter(from, to domain.Status, on trigger) {
	switch to {
	case domain.StatusIdle:
		m.teardownLocked()
		m.sess = domain.CallSession{}
		m.durSecs.Store(0)
		m.epoch++
		m.offerID = ""
		m.acceptVideo = false
		m.lastRemoteSeq = 0
		m.lastExternalAt = 0
	case domain.StatusCalling:
		m.armLocked(timerAnswer, m.opts.AnswerTimeout)
	case domain.StatusRinging:
		m.armLocked(timerRing, m.opts.RingTimeout)
	case domain.StatusConnecting:
		m.armLocked(timerConnecting, m.opts.ConnectingTimeout)
	case domain.StatusConnected:
		m.onConnectedLocked(from)
	case domain.StatusReconnecting:
		if on == trigFailed || on == trigRestore {
			m.armLocked(timerReconnect, m.opts.ReconnectTimeout)
		}
	case domain.StatusEnded:
		m.teardownLocked()
		m.armLocked(timerReset, m.opts.EndGrace)
	}
}

// onConnectedLocked anchors the duration, starts state sync and classifies the route.
func (m *Machine) onConnectedLocked(from domain.Status) {
	if !m.tracker.Running() {
		switch {
		case m.sess.CallStartTime != nil:
			m.startTrackerLocked(*m.sess.CallStartTime)
		case from == domain.StatusReconnecting:
			go m.recoverDuration(m.epoch)
		default:
			m.startTrackerLocked(m.clock.Now().Truncate(time.Millisecond))
		}
	}
	if !m.syncer.Running() {
		epoch := m.epoch
		m.syncer.Start(m.callCtx, m.syncSource(epoch), syncer.Hooks{
			OnDegraded:  func() { m.onSyncDegraded(epoch) },
			OnRecovered: func() { m.onSyncRecovered(epoch) },
		})
	}
	route := m.adapter.Route()
	metrics.Routes.WithLabelValues(string(route)).Inc()
	events.Publish(m.bus, events.RouteClassified, events.RouteEvent{Route: route})
	log.Info().Str("module", "orch").Str("route", string(route)).Msg("media path selected")
}

// onDuration runs on the tracker goroutine or inline with Start; it must not take mu.
func (m *Machine) onDuration(secs uint64) {
	m.durSecs.Store(secs)
	events.Publish(m.bus, events.DurationUpdated, events.DurationEvent{Secs: secs})
}

func (m *Machine) startTrackerLocked(anchor time.Time) {
	start, err := m.tracker.Start(m.callCtx, anchor)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("duration unavailable")
		return
	}
	if m.sess.CallStartTime == nil {
		m.sess.CallStartTime = &start
	}
}

// recoverDuration looks the start time up in the store without holding mu and anchors
// the tracker if the call is still connected and nothing else anchored it meanwhile.
func (m *Machine) recoverDuration(epoch uint64) {
	m.mu.Lock()
	ctx := m.callCtx
	m.mu.Unlock()

	start, ok := m.recoverStart(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.sess.Status != domain.StatusConnected || m.tracker.Running() {
		return
	}
	if m.sess.CallStartTime != nil {
		start, ok = *m.sess.CallStartTime, true
	}
	if !ok {
		log.Warn().Err(domain.ErrStartTimeLost).Str("module", "orch").Msg("duration unavailable")
		return
	}
	m.startTrackerLocked(start)
	m.touchLocked("start-recovered")
}

func (m *Machine) recoverStart(ctx context.Context) (time.Time, bool) {
	if m.store == nil {
		return time.Time{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := m.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("load snapshot for start time")
		return time.Time{}, false
	}
	if snap == nil {
		return time.Time{}, false
	}
	if st := snap.StartTime(); st != nil {
		return *st, true
	}
	return time.Time{}, false
}

// awaitGathering releases mu while local candidates are gathered and reports whether
// the call that started the wait is still current afterwards.
func (m *Machine) awaitGathering(epoch, gen uint64) bool {
	ctx := m.callCtx
	m.mu.Unlock()
	res := m.ice.Wait(ctx, m.adapter, m.opts.Gather)
	metrics.GatherWait.WithLabelValues(string(res.Reason)).Observe(res.Elapsed.Seconds())
	m.mu.Lock()
	return res.Reason != ice.StopCanceled && m.epoch == epoch && m.adapter.Current(gen)
}
