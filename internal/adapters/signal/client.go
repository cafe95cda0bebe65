package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ClientOptions configure the daemon side of the signaling link.
type ClientOptions struct {
	URL        string
	User       domain.User
	MinBackoff time.Duration
	MaxBackoff time.Duration
	PingPeriod time.Duration
	SendBuffer int
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 10 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Client keeps one websocket to the relay open, reconnecting with backoff, and
// feeds every inbound frame to a SignalHandler in arrival order.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	out   chan []byte
	ready chan struct{}
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		opts:   opts.withDefaults(),
		dialer: websocket.DefaultDialer,
		logger: log.With().Str("module", "signal.client").Str("user", string(opts.User.ID)).Logger(),
		ready:  make(chan struct{}),
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Ready is closed once the first connection is established.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Send queues env for the relay. It fails fast while disconnected.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return domain.ErrNotConnected
	}
	select {
	case out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials and serves the relay until ctx is done.
func (c *Client) Run(ctx context.Context, h core.SignalHandler) error {
	backoff := c.opts.MinBackoff
	for {
		started := time.Now()
		err := c.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > c.opts.MaxBackoff {
			backoff = c.opts.MinBackoff
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) session(ctx context.Context, h core.SignalHandler) error {
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: "ct", Value: string(c.opts.User.ID)}).String())
	ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer ws.Close()

	out := make(chan []byte, c.opts.SendBuffer)
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.out = out
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.out == out {
			c.out = nil
		}
		c.mu.Unlock()
	}()
	c.logger.Info().Str("url", c.opts.URL).Msg("relay connected")

	if c.opts.User.Username != "" {
		if err := c.Send(sessCtx, &protocol.Rename{Name: c.opts.User.Username}); err != nil {
			return err
		}
	}

	writeErr := make(chan error, 1)
	go func() {
		err := c.writeLoop(sessCtx, ws, out)
		cancel()
		writeErr <- err
	}()

	pongWait := c.opts.PingPeriod * 2
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		<-sessCtx.Done()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			cancel()
			<-writeErr
			return fmt.Errorf("read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame from relay")
			continue
		}
		h.HandleMessage(sessCtx, msg)
	}
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan []byte) error {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case data := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("write error")
				return err
			}
		}
	}
}
