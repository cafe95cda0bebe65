// Package signal carries signaling frames over websockets: the relay side that
// routes them between users and the client side a call daemon dials.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// ServerOptions tune the per-connection pumps.
type ServerOptions struct {
	ReadLimit       int64
	PingPeriod      time.Duration
	SendBuffer      int
	OfferRateLimit  int
	OfferRateWindow time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.OfferRateLimit <= 0 {
		o.OfferRateLimit = 5
	}
	if o.OfferRateWindow <= 0 {
		o.OfferRateWindow = 10 * time.Second
	}
	return o
}

type SignalWSController struct {
	Switch  *app.Switchboard
	Limiter *RateLimiter
	opts    ServerOptions
}

func NewSignalWSController(sb *app.Switchboard, opts ServerOptions) *SignalWSController {
	opts = opts.withDefaults()
	return &SignalWSController{
		Switch:  sb,
		Limiter: NewRateLimiter(opts.OfferRateLimit, opts.OfferRateWindow),
		opts:    opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the user named by the client token.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	user, err := ctl.Switch.Registry.GetOrCreateUser(uid)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("rejecting connection without user id")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Switch.Registry.Bind(user.ID, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, user.ID, conn)
}
