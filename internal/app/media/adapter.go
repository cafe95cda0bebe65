// Package media owns the single peer connection of a call and the local tracks attached to it.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const maxPendingCandidates = 128

var (
	ErrNoConnection = errors.New("no media connection")
	ErrWrongState   = errors.New("wrong signaling state")
)

type EventKind int

const (
	EventLocalCandidate EventKind = iota + 1
	EventConnectionState
	EventICEState
	EventRemoteTrack
)

// Event is a transport callback re-exposed in delivery order.
// Gen identifies the connection that produced it.
type Event struct {
	Gen       uint64
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	ConnState webrtc.PeerConnectionState
	ICEState  webrtc.ICEConnectionState
	Track     core.RemoteTrack
}

type Sink func(Event)

type localSlot struct {
	track  core.LocalTrack
	sender *webrtc.RTPSender
}

type Adapter struct {
	engine  core.MediaEngine
	devices core.MediaDevices

	mu         sync.Mutex
	conn       core.MediaConnection
	connCancel context.CancelFunc
	gen        uint64
	pending    []webrtc.ICECandidateInit
	local      map[core.MediaKind]*localSlot
	prepared   core.LocalTrack

	qmu   sync.Mutex
	queue []Event
	wake  chan struct{}
}

func NewAdapter(engine core.MediaEngine, devices core.MediaDevices) *Adapter {
	return &Adapter{
		engine:  engine,
		devices: devices,
		local:   make(map[core.MediaKind]*localSlot),
		wake:    make(chan struct{}, 1),
	}
}

// Run delivers queued transport events to sink one at a time until ctx is done.
func (a *Adapter) Run(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}
		for {
			a.qmu.Lock()
			batch := a.queue
			a.queue = nil
			a.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				sink(ev)
			}
		}
	}
}

func (a *Adapter) enqueue(ev Event) {
	a.qmu.Lock()
	a.queue = append(a.queue, ev)
	a.qmu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Open replaces the current connection with a fresh one and re-attaches local tracks.
// Queued remote candidates survive.
func (a *Adapter) Open() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeConnLocked()

	conn, err := a.engine.NewConnection()
	if err != nil {
		return 0, &domain.TransportError{Op: "open connection", Err: err}
	}
	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(context.Background())

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		a.enqueue(Event{Gen: gen, Kind: EventLocalCandidate, Candidate: c})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.enqueue(Event{Gen: gen, Kind: EventConnectionState, ConnState: s})
	})
	conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		a.enqueue(Event{Gen: gen, Kind: EventICEState, ICEState: s})
	})
	conn.OnTrack(func(t core.RemoteTrack) {
		if a.devices != nil {
			a.devices.Render(ctx, t)
		}
		a.enqueue(Event{Gen: gen, Kind: EventRemoteTrack, Track: t})
	})

	for kind, slot := range a.local {
		sender, err := conn.AddLocalTrack(slot.track.Track())
		if err != nil {
			cancel()
			_ = conn.Close()
			return 0, &domain.TransportError{Op: "attach " + string(kind), Err: err}
		}
		slot.sender = sender
	}

	a.conn = conn
	a.connCancel = cancel
	log.Debug().Str("module", "media").Uint64("gen", gen).Msg("connection opened")
	return gen, nil
}

// Current reports whether gen names the live connection.
func (a *Adapter) Current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.gen == gen
}

func (a *Adapter) Gen() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

func (a *Adapter) closeConnLocked() {
	if a.conn == nil {
		return
	}
	if a.connCancel != nil {
		a.connCancel()
		a.connCancel = nil
	}
	if err := a.conn.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Uint64("gen", a.gen).Msg("close error")
	}
	a.conn = nil
	for _, slot := range a.local {
		slot.sender = nil
	}
}

// Close tears down the connection, stops local tracks and drops queued candidates.
// Closing an already closed adapter is a no-op.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeConnLocked()
	for kind, slot := range a.local {
		slot.track.Stop()
		delete(a.local, kind)
	}
	if a.prepared != nil {
		a.prepared.Stop()
		a.prepared = nil
	}
	a.pending = nil
}

// acquire captures a new local track without attaching it.
func (a *Adapter) acquire(ctx context.Context, kind core.MediaKind) (core.LocalTrack, error) {
	if a.devices == nil {
		return nil, &domain.TransportError{Op: "acquire " + string(kind), Cause: "no media devices", Err: domain.ErrDeviceUnavailable}
	}
	t, err := a.devices.Acquire(ctx, kind)
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &domain.TransportError{Op: "acquire " + string(kind), Cause: err.Error(), Err: err}
	}
	return t, nil
}

// AcquireAndAttach captures a track of kind and attaches it, replacing any previous one.
func (a *Adapter) AcquireAndAttach(ctx context.Context, kind core.MediaKind) error {
	t, err := a.acquire(ctx, kind)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.attachLocked(t); err != nil {
		t.Stop()
		return err
	}
	return nil
}

func (a *Adapter) attachLocked(t core.LocalTrack) error {
	kind := t.Kind()
	if old, ok := a.local[kind]; ok {
		if a.conn != nil && old.sender != nil {
			if err := a.conn.RemoveTrack(old.sender); err != nil {
				log.Warn().Err(err).Str("module", "media").Str("kind", string(kind)).Msg("remove replaced track")
			}
		}
		old.track.Stop()
	}
	slot := &localSlot{track: t}
	if a.conn != nil {
		sender, err := a.conn.AddLocalTrack(t.Track())
		if err != nil {
			return &domain.TransportError{Op: "attach " + string(kind), Err: err}
		}
		slot.sender = sender
	}
	a.local[kind] = slot
	return nil
}

// HasLocal reports whether a local track of kind is attached.
func (a *Adapter) HasLocal(kind core.MediaKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.local[kind]
	return ok
}

// SetTrackEnabled mutes or unmutes a local track. It reports false when no such track exists.
func (a *Adapter) SetTrackEnabled(kind core.MediaKind, on bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.local[kind]
	if !ok {
		return false
	}
	slot.track.SetEnabled(on)
	return true
}

// PrepareVideo captures a video track ahead of need. It keeps an existing one.
func (a *Adapter) PrepareVideo(ctx context.Context) error {
	a.mu.Lock()
	if _, ok := a.local[core.KindVideo]; ok || a.prepared != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	t, err := a.acquire(ctx, core.KindVideo)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prepared != nil {
		t.Stop()
		return nil
	}
	a.prepared = t
	return nil
}

// CommitVideo attaches the prepared video track, acquiring one if none was prepared.
func (a *Adapter) CommitVideo(ctx context.Context) error {
	a.mu.Lock()
	if _, ok := a.local[core.KindVideo]; ok {
		a.mu.Unlock()
		return nil
	}
	if t := a.prepared; t != nil {
		a.prepared = nil
		err := a.attachLocked(t)
		a.mu.Unlock()
		if err != nil {
			t.Stop()
		}
		return err
	}
	a.mu.Unlock()
	return a.AcquireAndAttach(ctx, core.KindVideo)
}

// DropPrepared discards a speculatively captured video track.
func (a *Adapter) DropPrepared() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prepared != nil {
		a.prepared.Stop()
		a.prepared = nil
	}
}

// CreateOffer creates and applies a local offer.
func (a *Adapter) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return webrtc.SessionDescription{}, ErrNoConnection
	}
	offer, err := a.conn.CreateOffer(iceRestart)
	if err != nil {
		return offer, &domain.ProtocolError{Op: "create offer", State: a.conn.SignalingState().String(), Err: err}
	}
	if err := a.conn.SetLocalDescription(offer); err != nil {
		return offer, &domain.ProtocolError{Op: "set local offer", State: a.conn.SignalingState().String(), Err: err}
	}
	return offer, nil
}

// AcceptOffer applies a remote offer, flushes queued candidates and applies a local answer.
func (a *Adapter) AcceptOffer(sdp string) (webrtc.SessionDescription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return webrtc.SessionDescription{}, ErrNoConnection
	}
	if st := a.conn.SignalingState(); st != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, &domain.ProtocolError{Op: "apply offer", State: st.String(), Err: ErrWrongState}
	}
	if prev := a.conn.RemoteDescription(); prev != nil {
		if same, err := SameMLineOrder(prev.SDP, sdp); err == nil && !same {
			return webrtc.SessionDescription{}, &domain.ProtocolError{Op: "apply offer", Err: domain.ErrMLineOrder}
		}
	}
	if err := a.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return webrtc.SessionDescription{}, &domain.ProtocolError{Op: "set remote offer", State: a.conn.SignalingState().String(), Err: err}
	}
	a.flushPendingLocked()

	answer, err := a.conn.CreateAnswer()
	if err != nil {
		return answer, &domain.ProtocolError{Op: "create answer", State: a.conn.SignalingState().String(), Err: err}
	}
	if err := a.conn.SetLocalDescription(answer); err != nil {
		return answer, &domain.ProtocolError{Op: "set local answer", State: a.conn.SignalingState().String(), Err: err}
	}
	return answer, nil
}

// ApplyAnswer applies a remote answer. An answer arriving in the stable state is reported
// as a benign duplicate and not applied.
func (a *Adapter) ApplyAnswer(sdp string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ErrNoConnection
	}
	switch st := a.conn.SignalingState(); st {
	case webrtc.SignalingStateHaveLocalOffer:
	case webrtc.SignalingStateStable:
		return &domain.ProtocolError{Op: "apply answer", State: st.String(), Err: domain.ErrAlreadyStable}
	default:
		return &domain.ProtocolError{Op: "apply answer", State: st.String(), Err: ErrWrongState}
	}
	if offer := a.conn.LocalDescription(); offer != nil {
		if same, err := SameMLineOrder(offer.SDP, sdp); err == nil && !same {
			return &domain.ProtocolError{Op: "apply answer", Err: domain.ErrMLineOrder}
		}
	}
	if err := a.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return &domain.ProtocolError{Op: "set remote answer", State: a.conn.SignalingState().String(), Err: err}
	}
	a.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies c, or queues it until a remote description exists.
func (a *Adapter) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.RemoteDescription() == nil {
		if len(a.pending) >= maxPendingCandidates {
			a.pending = a.pending[1:]
		}
		a.pending = append(a.pending, c)
		return nil
	}
	return a.conn.AddICECandidate(c)
}

func (a *Adapter) flushPendingLocked() {
	if len(a.pending) == 0 {
		return
	}
	for _, c := range a.pending {
		if err := a.conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("queued candidate rejected")
		}
	}
	log.Debug().Str("module", "media").Int("count", len(a.pending)).Msg("flushed queued candidates")
	a.pending = nil
}

// DropPending discards queued remote candidates.
func (a *Adapter) DropPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
}

func (a *Adapter) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// SignalingState returns the negotiation sub-state; closed when no connection exists.
func (a *Adapter) SignalingState() webrtc.SignalingState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return webrtc.SignalingStateClosed
	}
	return a.conn.SignalingState()
}

func (a *Adapter) ConnectionState() webrtc.PeerConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return a.conn.ConnectionState()
}

// GatheringComplete implements ice.GatherSource.
func (a *Adapter) GatheringComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return true
	}
	return a.conn.ICEGatheringState() == webrtc.ICEGatheringStateComplete
}

// LocalSDP returns the current local description including gathered candidates.
func (a *Adapter) LocalSDP() (webrtc.SessionDescription, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return webrtc.SessionDescription{}, false
	}
	d := a.conn.LocalDescription()
	if d == nil {
		return webrtc.SessionDescription{}, false
	}
	return *d, true
}

// Route classifies the selected candidate pair.
func (a *Adapter) Route() domain.RouteKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return domain.RouteUnknown
	}
	return a.conn.SelectedRoute()
}
