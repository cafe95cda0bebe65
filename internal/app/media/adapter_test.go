package media_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/media"
	"github.com/dkeye/VoiceCall/internal/app/media/mediatest"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []media.Event
}

func (r *recorder) sink(ev media.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []media.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Event(nil), r.events...)
}

func newAdapter(t *testing.T, engine *mediatest.Engine) (*media.Adapter, *mediatest.Devices, *recorder) {
	t.Helper()
	devices := &mediatest.Devices{}
	a := media.NewAdapter(engine, devices)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx, rec.sink)
	return a, devices, rec
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	callerEngine := &mediatest.Engine{}
	calleeEngine := &mediatest.Engine{}
	caller, _, _ := newAdapter(t, callerEngine)
	callee, _, _ := newAdapter(t, calleeEngine)

	require.NoError(t, caller.AcquireAndAttach(context.Background(), core.KindAudio))
	_, err := caller.Open()
	require.NoError(t, err)
	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, caller.SignalingState())

	_, err = callee.Open()
	require.NoError(t, err)
	answer, err := callee.AcceptOffer(offer.SDP)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateStable, callee.SignalingState())

	require.NoError(t, caller.ApplyAnswer(answer.SDP))
	assert.Equal(t, webrtc.SignalingStateStable, caller.SignalingState())

	// a second copy of the same answer is a benign duplicate and is not applied
	err = caller.ApplyAnswer(answer.SDP)
	require.Error(t, err)
	assert.True(t, domain.IsBenignProtocol(err))
	setRemote, _, _ := callerEngine.Last().Stats()
	assert.Equal(t, 1, setRemote)
}

func TestApplyAnswerWrongState(t *testing.T) {
	a, _, _ := newAdapter(t, &mediatest.Engine{})
	_, err := a.Open()
	require.NoError(t, err)
	_, err = a.AcceptOffer(mediatest.BuildSDP(0, "audio"))
	require.NoError(t, err)

	require.NoError(t, a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"}))
	_, err = a.CreateOffer(false)
	require.NoError(t, err)
	err = a.ApplyAnswer(mediatest.BuildSDP(1, "video"))
	var pe *domain.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, domain.ErrMLineOrder)
	assert.False(t, pe.Benign())
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	engine := &mediatest.Engine{}
	a, _, _ := newAdapter(t, engine)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host"}
	require.NoError(t, a.AddRemoteCandidate(cand))
	assert.Equal(t, 1, a.PendingCount())

	_, err := a.Open()
	require.NoError(t, err)
	require.NoError(t, a.AddRemoteCandidate(cand))
	assert.Equal(t, 2, a.PendingCount())

	_, err = a.AcceptOffer(mediatest.BuildSDP(0, "audio"))
	require.NoError(t, err)
	assert.Zero(t, a.PendingCount())
	assert.Len(t, engine.Last().Candidates(), 2)

	require.NoError(t, a.AddRemoteCandidate(cand))
	assert.Len(t, engine.Last().Candidates(), 3)
}

func TestOpenReplacesConnectionAndKeepsTracks(t *testing.T) {
	engine := &mediatest.Engine{}
	a, devices, rec := newAdapter(t, engine)

	require.NoError(t, a.AcquireAndAttach(context.Background(), core.KindAudio))
	first, err := a.Open()
	require.NoError(t, err)
	second, err := a.Open()
	require.NoError(t, err)

	assert.False(t, a.Current(first))
	assert.True(t, a.Current(second))
	conns := engine.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].IsClosed())
	assert.False(t, conns[1].IsClosed())

	offer, err := a.CreateOffer(false)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Equal(t, 1, devices.Acquired(core.KindAudio))

	// the first connection reported closed, tagged with its own generation
	require.Eventually(t, func() bool {
		for _, ev := range rec.snapshot() {
			if ev.Kind == media.EventConnectionState && ev.Gen == first && ev.ConnState == webrtc.PeerConnectionStateClosed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	engine := &mediatest.Engine{}
	a, devices, _ := newAdapter(t, engine)
	require.NoError(t, a.AcquireAndAttach(context.Background(), core.KindAudio))
	gen, err := a.Open()
	require.NoError(t, err)

	a.Close()
	a.Close()

	assert.False(t, a.Current(gen))
	assert.Equal(t, 1, engine.Last().CloseCalls)
	assert.False(t, a.HasLocal(core.KindAudio))
	assert.True(t, devices.Tracks()[0].Stopped())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, a.ConnectionState())
	assert.True(t, a.GatheringComplete())
}

func TestEventsDeliveredInOrder(t *testing.T) {
	engine := &mediatest.Engine{Candidates: []string{
		"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		"candidate:2 1 udp 16777215 198.51.100.9 3478 typ relay raddr 203.0.113.7 rport 61000",
	}}
	a, devices, rec := newAdapter(t, engine)
	gen, err := a.Open()
	require.NoError(t, err)
	_, err = a.CreateOffer(false)
	require.NoError(t, err)

	conn := engine.Last()
	conn.Emit(webrtc.PeerConnectionStateConnecting)
	conn.Emit(webrtc.PeerConnectionStateConnected)
	conn.EmitTrack(&mediatest.RemoteTrack{TrackID: "a1", Codec: webrtc.RTPCodecTypeAudio})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	evs := rec.snapshot()
	assert.Equal(t, media.EventLocalCandidate, evs[0].Kind)
	assert.Equal(t, media.EventLocalCandidate, evs[1].Kind)
	assert.Equal(t, webrtc.PeerConnectionStateConnecting, evs[2].ConnState)
	assert.Equal(t, webrtc.PeerConnectionStateConnected, evs[3].ConnState)
	assert.Equal(t, media.EventRemoteTrack, evs[4].Kind)
	for _, ev := range evs {
		assert.Equal(t, gen, ev.Gen)
	}
	assert.Equal(t, 1, devices.Rendered())
}

func TestPrepareAndCommitVideo(t *testing.T) {
	a, devices, _ := newAdapter(t, &mediatest.Engine{})
	_, err := a.Open()
	require.NoError(t, err)

	require.NoError(t, a.PrepareVideo(context.Background()))
	require.NoError(t, a.PrepareVideo(context.Background()))
	assert.Equal(t, 1, devices.Acquired(core.KindVideo))
	assert.False(t, a.HasLocal(core.KindVideo))

	require.NoError(t, a.CommitVideo(context.Background()))
	assert.True(t, a.HasLocal(core.KindVideo))
	assert.Equal(t, 1, devices.Acquired(core.KindVideo))

	assert.True(t, a.SetTrackEnabled(core.KindVideo, false))
	assert.False(t, devices.Tracks()[0].Enabled())
	assert.False(t, a.SetTrackEnabled(core.KindAudio, false))
}

func TestAcquireFailureIsTransportError(t *testing.T) {
	a, devices, _ := newAdapter(t, &mediatest.Engine{})
	devices.Fail = map[core.MediaKind]error{core.KindVideo: errors.New("permission denied")}

	err := a.PrepareVideo(context.Background())
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "permission denied", te.Cause)

	a.DropPrepared()
	assert.False(t, a.HasLocal(core.KindVideo))
}

func TestRenegotiationOrderMismatch(t *testing.T) {
	a, _, _ := newAdapter(t, &mediatest.Engine{})
	_, err := a.Open()
	require.NoError(t, err)
	_, err = a.AcceptOffer(mediatest.BuildSDP(0, "audio", "video"))
	require.NoError(t, err)

	_, err = a.AcceptOffer(mediatest.BuildSDP(1, "video", "audio"))
	assert.ErrorIs(t, err, domain.ErrMLineOrder)

	_, err = a.AcceptOffer(mediatest.BuildSDP(2, "audio", "video"))
	assert.NoError(t, err)
}
