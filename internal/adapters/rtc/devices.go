package rtc

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/dkeye/VoiceCall/internal/app/sfu"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const maxPacket = 1500

// DeviceOptions names the UDP endpoints that stand in for capture and playback.
// Ingest addresses are listened on for RTP; render addresses receive remote RTP.
// An empty address disables that direction.
type DeviceOptions struct {
	AudioIngest string
	VideoIngest string
	AudioRender string
	VideoRender string
}

// Devices implements core.MediaDevices over plain RTP/UDP. Each ingest socket feeds a relay
// whose subscribers are the local tracks handed to peer connections.
type Devices struct {
	opts   DeviceOptions
	relays *sfu.RelayManager

	mu     sync.Mutex
	ingest map[core.MediaKind]*net.UDPConn
}

var _ core.MediaDevices = (*Devices)(nil)

func NewDevices(opts DeviceOptions) *Devices {
	return &Devices{
		opts:   opts,
		relays: sfu.NewRelayManager(),
		ingest: make(map[core.MediaKind]*net.UDPConn),
	}
}

func sourceID(kind core.MediaKind) string { return "local:" + string(kind) }

// Start binds the configured ingest sockets. Close releases them.
func (d *Devices) Start(ctx context.Context) error {
	for kind, addr := range map[core.MediaKind]string{
		core.KindAudio: d.opts.AudioIngest,
		core.KindVideo: d.opts.VideoIngest,
	} {
		if addr == "" {
			continue
		}
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			d.Close()
			return err
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			d.Close()
			return err
		}
		d.mu.Lock()
		d.ingest[kind] = conn
		d.mu.Unlock()
		d.relays.StartRelay(ctx, sourceID(kind), &udpSource{conn: conn, buf: make([]byte, maxPacket)})
		log.Info().Str("module", "devices").Str("kind", string(kind)).Str("addr", conn.LocalAddr().String()).Msg("RTP ingest listening")
	}
	return nil
}

// IngestAddr returns the bound ingest address for kind, nil when none.
func (d *Devices) IngestAddr(kind core.MediaKind) net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.ingest[kind]; ok {
		return c.LocalAddr()
	}
	return nil
}

func (d *Devices) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for kind, c := range d.ingest {
		d.relays.StopRelay(sourceID(kind))
		_ = c.Close()
		delete(d.ingest, kind)
	}
}

func (d *Devices) Acquire(ctx context.Context, kind core.MediaKind) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := sourceID(kind)
	if !d.relays.HasRelay(src) {
		return nil, &domain.TransportError{Op: "acquire " + string(kind), Cause: "no " + string(kind) + " source configured", Err: domain.ErrDeviceUnavailable}
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codecFor(kind), string(kind), "calld")
	if err != nil {
		return nil, &domain.TransportError{Op: "acquire " + string(kind), Err: err}
	}
	id := uuid.NewString()
	out, ok := d.relays.AddSubscriber(src, id, track)
	if !ok {
		return nil, &domain.TransportError{Op: "acquire " + string(kind), Cause: "source stopped", Err: domain.ErrDeviceUnavailable}
	}
	return &localTrack{
		kind:  kind,
		track: track,
		out:   out,
		stop:  func() { d.relays.MarkSubscriberDelete(src, id) },
	}, nil
}

// Render forwards a remote track to the configured render address until ctx is done.
// Without one the track is drained and discarded.
func (d *Devices) Render(ctx context.Context, t core.RemoteTrack) {
	kind := kindOf(t.Kind())
	id := "remote:" + t.ID()
	d.relays.StartRelay(ctx, id, t)

	addr := d.opts.AudioRender
	if kind == core.KindVideo {
		addr = d.opts.VideoRender
	}
	logger := log.With().Str("module", "devices").Str("kind", string(kind)).Str("track_id", t.ID()).Logger()
	if addr == "" {
		logger.Debug().Msg("no render target, discarding remote media")
		return
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("bad render address")
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("render dial failed")
		return
	}
	d.relays.AddSubscriber(id, "render", &udpSink{conn: conn})
	logger.Info().Str("addr", addr).Msg("rendering remote track")

	go func() {
		<-ctx.Done()
		d.relays.StopRelay(id)
		_ = conn.Close()
	}()
}

type localTrack struct {
	kind  core.MediaKind
	track *webrtc.TrackLocalStaticRTP
	out   *sfu.OutTrack
	once  sync.Once
	stop  func()
}

func (t *localTrack) Kind() core.MediaKind     { return t.kind }
func (t *localTrack) Track() webrtc.TrackLocal { return t.track }

func (t *localTrack) SetEnabled(on bool) {
	if on {
		t.out.MarkOk()
	} else {
		t.out.MarkMuted()
	}
}

func (t *localTrack) Enabled() bool { return t.out.GetState() == sfu.TrackStateOk }

func (t *localTrack) Stop() { t.once.Do(t.stop) }

type udpSource struct {
	conn *net.UDPConn
	buf  []byte
}

// ReadRTP skips datagrams that are not RTP.
func (s *udpSource) ReadRTP() (*rtp.Packet, error) {
	for {
		n, err := s.conn.Read(s.buf)
		if err != nil {
			return nil, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(s.buf[:n]); err != nil {
			continue
		}
		return pkt, nil
	}
}

type udpSink struct {
	conn *net.UDPConn
}

func (s *udpSink) WriteRTP(p *rtp.Packet) error {
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	// A missing player yields ICMP errors on the connected socket; only a closed socket is fatal.
	if _, err := s.conn.Write(b); errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
