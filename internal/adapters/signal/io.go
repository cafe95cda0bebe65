package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, uid domain.UserID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump closing")
		ctl.Switch.OnDisconnect(uid, c)
		cancel()
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("user", string(uid)).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(uid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(uid domain.UserID, c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("bad json")
		ctl.sendError(c, "", protocol.CodeBadRequest, err.Error())
		return
	}
	metrics.SignalMessages.WithLabelValues("in", string(msg.Type)).Inc()

	switch msg.Type {
	case protocol.TypePing:
		ctl.handlePing(c, msg)
	case protocol.TypeRename:
		ctl.handleRename(uid, c, msg)
	case protocol.TypeWhoAmI:
		ctl.handleWhoAmI(uid, c, msg.ID)
	default:
		ctl.handleRelay(uid, c, msg)
	}
}

// handleRelay forwards a peer-to-peer message and reports routing failures back
// to the sender.
func (ctl *SignalWSController) handleRelay(uid domain.UserID, c *WsSignalConn, msg protocol.Message) {
	if msg.Type == protocol.TypeOffer && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("offer rate limited")
		ctl.sendError(c, msg.ID, protocol.CodeRateLimited, "too many offers")
		return
	}
	err := ctl.Switch.Deliver(uid, msg)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrPeerOffline):
		ctl.sendError(c, msg.ID, protocol.CodePeerOffline, string(msg.TargetUserID))
	case errors.Is(err, app.ErrNoTarget):
		ctl.sendError(c, msg.ID, protocol.CodeBadRequest, "targetUserId required")
	case errors.Is(err, app.ErrSlowPeer):
	default:
		log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("relay failed")
		ctl.sendError(c, msg.ID, protocol.CodeBadPayload, err.Error())
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, ref, code, text string) {
	ctl.sendJSON(c, &protocol.Error{Ref: ref, Code: code, Message: text})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, env protocol.Envelope) {
	b, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}
