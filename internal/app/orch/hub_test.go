package orch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/adapters/store"
	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/ice"
	"github.com/dkeye/VoiceCall/internal/app/media/mediatest"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/app/syncer"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	hostCandidate = "candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host"
	lateCandidate = "candidate:2 1 udp 1694498815 203.0.113.7 40000 typ srflx raddr 0.0.0.0 rport 0"
)

var errSendFailed = errors.New("send failed")

// hub is an in-memory relay with ordered per-recipient delivery.
type hub struct {
	mu    sync.Mutex
	inbox map[domain.UserID]chan protocol.Message
	log   []protocol.Message
	drop  map[protocol.Type]bool
	fail  map[domain.UserID]map[protocol.Type]bool
	hold  map[protocol.Type]bool
	held  []held
}

type held struct {
	to  chan protocol.Message
	msg protocol.Message
}

func newHub() *hub {
	return &hub{
		inbox: make(map[domain.UserID]chan protocol.Message),
		drop:  make(map[protocol.Type]bool),
		fail:  make(map[domain.UserID]map[protocol.Type]bool),
		hold:  make(map[protocol.Type]bool),
	}
}

// attach routes messages for id to fn in order until ctx is done.
func (h *hub) attach(ctx context.Context, id domain.UserID, fn func(protocol.Message)) {
	ch := make(chan protocol.Message, 256)
	h.mu.Lock()
	h.inbox[id] = ch
	h.mu.Unlock()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				fn(msg)
			}
		}
	}()
}

func (h *hub) detach(id domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inbox, id)
}

func (h *hub) setDrop(typ protocol.Type, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop[typ] = on
}

// holdType parks messages of typ until release is called.
func (h *hub) holdType(typ protocol.Type) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold[typ] = true
}

func (h *hub) release() {
	h.mu.Lock()
	parked := h.held
	h.held = nil
	h.hold = make(map[protocol.Type]bool)
	h.mu.Unlock()
	for _, p := range parked {
		p.to <- p.msg
	}
}

func (h *hub) heldCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}

func (h *hub) setFail(from domain.UserID, typ protocol.Type, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail[from] == nil {
		h.fail[from] = make(map[protocol.Type]bool)
	}
	h.fail[from][typ] = on
}

func (h *hub) sent(from domain.UserID, typ protocol.Type) []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Message
	for _, m := range h.log {
		if m.From == from && m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (h *hub) sender(from domain.UserID) *hubSender { return &hubSender{h: h, from: from} }

type hubSender struct {
	h    *hub
	from domain.UserID
}

func (s *hubSender) Send(_ context.Context, env protocol.Envelope) error {
	msg, err := encodeFrom(s.from, env)
	if err != nil {
		return err
	}
	h := s.h
	h.mu.Lock()
	if h.fail[s.from][msg.Type] {
		h.mu.Unlock()
		return errSendFailed
	}
	h.log = append(h.log, msg)
	if h.drop[msg.Type] {
		h.mu.Unlock()
		return nil
	}
	target, online := h.inbox[msg.TargetUserID]
	back := h.inbox[s.from]
	if online && h.hold[msg.Type] {
		h.held = append(h.held, held{to: target, msg: msg})
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if !online {
		if msg.Type == protocol.TypeOffer && back != nil {
			reply, _ := encodeFrom("", &protocol.Error{Ref: msg.ID, Code: protocol.CodePeerOffline})
			back <- reply
		}
		return nil
	}
	target <- msg
	return nil
}

// encodeFrom renders env as the relay would deliver it from the given sender.
func encodeFrom(from domain.UserID, env protocol.Envelope) (protocol.Message, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return protocol.Message{}, err
	}
	if from != "" {
		if data, err = protocol.StampFrom(data, from); err != nil {
			return protocol.Message{}, err
		}
	}
	return protocol.Decode(data)
}

type peer struct {
	t       *testing.T
	user    domain.User
	m       *orch.Machine
	engine  *mediatest.Engine
	devices *mediatest.Devices
	bus     *events.Bus
	store   *store.Memory
	cancel  context.CancelFunc
	done    chan struct{}
}

func fastOptions() orch.Options {
	o := orch.DefaultOptions()
	o.Gather = ice.Budget{Interval: 2 * time.Millisecond, Floor: 10 * time.Millisecond, Ceiling: 100 * time.Millisecond}
	o.EndGrace = 30 * time.Millisecond
	o.CandidateAckTimeout = 40 * time.Millisecond
	o.Sync = syncer.Config{Interval: 40 * time.Millisecond, MaxFailures: 3, Backoff: 5 * time.Millisecond}
	return o
}

func newPeer(t *testing.T, h *hub, id, name string, opts orch.Options, st *store.Memory) *peer {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	return newPeerWith(t, h, id, name, opts, st, st)
}

// newPeerWith hands the machine backing instead of st; st stays reachable through p.store.
func newPeerWith(t *testing.T, h *hub, id, name string, opts orch.Options, st *store.Memory, backing core.SnapshotStore) *peer {
	t.Helper()
	p := &peer{
		t:       t,
		user:    domain.User{ID: domain.UserID(id), Username: name},
		engine:  &mediatest.Engine{Candidates: []string{hostCandidate}},
		devices: &mediatest.Devices{},
		bus:     events.NewBus(256),
		store:   st,
		done:    make(chan struct{}),
	}
	m, err := orch.New(p.user, orch.Deps{
		Signal:  h.sender(p.user.ID),
		Engine:  p.engine,
		Devices: p.devices,
		Store:   backing,
		Bus:     p.bus,
	}, opts)
	require.NoError(t, err)
	p.m = m

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	h.attach(ctx, p.user.ID, func(msg protocol.Message) { m.HandleMessage(ctx, msg) })
	go func() {
		defer close(p.done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(p.stop)
	return p
}

func (p *peer) stop() {
	p.cancel()
	<-p.done
}

func (p *peer) status() domain.Status { return p.m.Session().Status }

func (p *peer) waitStatus(want domain.Status) {
	p.t.Helper()
	require.Eventually(p.t, func() bool { return p.status() == want }, waitFor, tick,
		"%s never reached %s, still %s", p.user.ID, want, p.status())
}

func (p *peer) conn() *mediatest.Conn {
	p.t.Helper()
	var c *mediatest.Conn
	require.Eventually(p.t, func() bool {
		c = p.engine.Last()
		return c != nil
	}, waitFor, tick)
	return c
}

func (p *peer) transport(s webrtc.PeerConnectionState) {
	p.conn().Emit(s)
}

// connect runs a full audio call setup from a to b.
func connect(t *testing.T, a, b *peer, opts orch.CallOptions) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.m.StartCall(ctx, b.user, opts))
	b.waitStatus(domain.StatusRinging)
	require.NoError(t, b.m.AcceptCall(ctx, opts))
	a.waitStatus(domain.StatusConnecting)
	a.transport(webrtc.PeerConnectionStateConnected)
	b.transport(webrtc.PeerConnectionStateConnected)
	a.waitStatus(domain.StatusConnected)
	b.waitStatus(domain.StatusConnected)
}

func recv[T any](t *testing.T, sub *events.Subscription[T]) T {
	t.Helper()
	select {
	case v := <-sub.C():
		return v
	case <-time.After(waitFor):
		t.Fatalf("no event within %s", waitFor)
	}
	var zero T
	return zero
}
