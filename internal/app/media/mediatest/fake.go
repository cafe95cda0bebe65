// Package mediatest provides in-memory media engine and device fakes.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("connection closed")

// Engine hands out Conns and remembers them in creation order.
type Engine struct {
	mu    sync.Mutex
	conns []*Conn
	// Candidates are emitted by every new connection on SetLocalDescription.
	Candidates []string
	// HoldGathering keeps the gathering state at "gathering".
	HoldGathering bool
	Route         domain.RouteKind
	FailNew       error
}

func (e *Engine) NewConnection() (core.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNew != nil {
		return nil, e.FailNew
	}
	c := &Conn{
		candidates: append([]string(nil), e.Candidates...),
		hold:       e.HoldGathering,
		route:      e.Route,
		signaling:  webrtc.SignalingStateStable,
		gathering:  webrtc.ICEGatheringStateNew,
		state:      webrtc.PeerConnectionStateNew,
	}
	e.conns = append(e.conns, c)
	return c, nil
}

// Conns returns every connection created so far.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

// Last returns the most recent connection or nil.
func (e *Engine) Last() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

type mline struct {
	kind string
	mid  string
}

// Conn simulates the offer/answer sub-state machine of a peer connection.
type Conn struct {
	mu         sync.Mutex
	candidates []string
	hold       bool
	route      domain.RouteKind

	signaling  webrtc.SignalingState
	gathering  webrtc.ICEGatheringState
	state      webrtc.PeerConnectionState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	negotiated []mline
	tracks     []string
	closed     bool
	version    int

	onICE      func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	onICEState func(webrtc.ICEConnectionState)
	onTrack    func(core.RemoteTrack)

	SetRemoteCalls  int
	SetLocalCalls   int
	OfferCalls      int
	RestartOffers   int
	AddedCandidates []webrtc.ICECandidateInit
	CloseCalls      int
}

func (c *Conn) wanted() []mline {
	lines := append([]mline(nil), c.negotiated...)
	for _, kind := range c.tracks {
		found := false
		for _, l := range lines {
			if l.kind == kind {
				found = true
				break
			}
		}
		if !found {
			lines = append(lines, mline{kind: kind, mid: fmt.Sprint(len(lines))})
		}
	}
	return lines
}

// BuildSDP renders a minimal session description with the given media sections.
func BuildSDP(version int, kinds ...string) string {
	lines := make([]mline, 0, len(kinds))
	for i, k := range kinds {
		lines = append(lines, mline{kind: k, mid: fmt.Sprint(i)})
	}
	return render(version, lines)
}

func render(version int, lines []mline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- 4215 %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", version+1)
	for _, l := range lines {
		pt := 111
		if l.kind == "video" {
			pt = 96
		}
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF %d\r\nc=IN IP4 0.0.0.0\r\na=mid:%s\r\na=sendrecv\r\n", l.kind, pt, l.mid)
	}
	return b.String()
}

func parse(raw string) []mline {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil
	}
	out := make([]mline, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		mid, _ := md.Attribute("mid")
		out = append(out, mline{kind: md.MediaName.Media, mid: mid})
	}
	return out
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.OfferCalls++
	if iceRestart {
		c.RestartOffers++
	}
	c.version++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: render(c.version, c.wanted())}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", c.signaling)
	}
	c.version++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: render(c.version, parse(c.remote.SDP))}, nil
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	c.SetLocalCalls++
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && (c.signaling == webrtc.SignalingStateStable || c.signaling == webrtc.SignalingStateHaveLocalOffer):
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveRemoteOffer:
		c.signaling = webrtc.SignalingStateStable
		c.negotiated = parse(d.SDP)
	default:
		st := c.signaling
		c.mu.Unlock()
		return fmt.Errorf("set local %s in %s", d.Type, st)
	}
	desc := d
	c.local = &desc
	emit := c.gathering == webrtc.ICEGatheringStateNew
	if emit {
		c.gathering = webrtc.ICEGatheringStateGathering
		if !c.hold {
			c.gathering = webrtc.ICEGatheringStateComplete
		}
	}
	cands := c.candidates
	handler := c.onICE
	c.mu.Unlock()

	if emit && handler != nil {
		for _, raw := range cands {
			mid := "0"
			idx := uint16(0)
			handler(webrtc.ICECandidateInit{Candidate: raw, SDPMid: &mid, SDPMLineIndex: &idx})
		}
	}
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetRemoteCalls++
	if c.closed {
		return ErrClosed
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveLocalOffer:
		c.signaling = webrtc.SignalingStateStable
		c.negotiated = parse(c.local.SDP)
	default:
		return fmt.Errorf("set remote %s in %s", d.Type, c.signaling)
	}
	desc := d
	c.remote = &desc
	return nil
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("no remote description")
	}
	c.AddedCandidates = append(c.AddedCandidates, ci)
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) ICEGatheringState() webrtc.ICEGatheringState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gathering
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.tracks = append(c.tracks, track.Kind().String())
	return nil, nil
}

func (c *Conn) RemoveTrack(*webrtc.RTPSender) error { return nil }

func (c *Conn) SelectedRoute() domain.RouteKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.route == "" {
		return domain.RouteDirect
	}
	return c.route
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEState = fn
}

func (c *Conn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.CloseCalls++
	c.state = webrtc.PeerConnectionStateClosed
	c.signaling = webrtc.SignalingStateClosed
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Emit reports a connection state change as the transport would.
func (c *Conn) Emit(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(s)
	}
}

// EmitICE reports an ICE connection state change.
func (c *Conn) EmitICE(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	handler := c.onICEState
	c.mu.Unlock()
	if handler != nil {
		handler(s)
	}
}

// EmitCandidate reports a late-gathered local candidate.
func (c *Conn) EmitCandidate(raw string) {
	c.mu.Lock()
	handler := c.onICE
	c.mu.Unlock()
	if handler != nil {
		mid := "0"
		handler(webrtc.ICECandidateInit{Candidate: raw, SDPMid: &mid})
	}
}

// EmitTrack reports a remote track.
func (c *Conn) EmitTrack(t core.RemoteTrack) {
	c.mu.Lock()
	handler := c.onTrack
	c.mu.Unlock()
	if handler != nil {
		handler(t)
	}
}

// CompleteGathering flips a held gathering state to complete.
func (c *Conn) CompleteGathering() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gathering = webrtc.ICEGatheringStateComplete
}

func (c *Conn) Stats() (setRemote, offers, restarts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SetRemoteCalls, c.OfferCalls, c.RestartOffers
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.AddedCandidates...)
}

// Devices hands out real static RTP tracks and records rendered remote tracks.
type Devices struct {
	mu       sync.Mutex
	Fail     map[core.MediaKind]error
	acquired map[core.MediaKind]int
	rendered []core.RemoteTrack
	tracks   []*Track
}

func (d *Devices) Acquire(_ context.Context, kind core.MediaKind) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.Fail[kind]; err != nil {
		return nil, err
	}
	if d.acquired == nil {
		d.acquired = make(map[core.MediaKind]int)
	}
	d.acquired[kind]++
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == core.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	lt, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), "fake")
	if err != nil {
		return nil, err
	}
	t := &Track{kind: kind, track: lt, enabled: true}
	d.tracks = append(d.tracks, t)
	return t, nil
}

func (d *Devices) Render(_ context.Context, track core.RemoteTrack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rendered = append(d.rendered, track)
}

func (d *Devices) Acquired(kind core.MediaKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired[kind]
}

func (d *Devices) Rendered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rendered)
}

func (d *Devices) Tracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.tracks...)
}

// Track is a LocalTrack backed by a static RTP track.
type Track struct {
	mu      sync.Mutex
	kind    core.MediaKind
	track   *webrtc.TrackLocalStaticRTP
	enabled bool
	stopped bool
}

func (t *Track) Kind() core.MediaKind     { return t.kind }
func (t *Track) Track() webrtc.TrackLocal { return t.track }

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// RemoteTrack is a remote track stub that never yields packets.
type RemoteTrack struct {
	TrackID string
	Codec   webrtc.RTPCodecType
}

func (r *RemoteTrack) ID() string                    { return r.TrackID }
func (r *RemoteTrack) StreamID() string              { return "remote" }
func (r *RemoteTrack) Kind() webrtc.RTPCodecType     { return r.Codec }
func (r *RemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, ErrClosed }
