package signal

import (
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleRename(uid domain.UserID, conn *WsSignalConn, msg protocol.Message) {
	p, err := protocol.Payload[protocol.Rename](msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendError(conn, msg.ID, protocol.CodeBadPayload, "bad_payload")
		return
	}
	if p.Name == "" {
		ctl.sendError(conn, msg.ID, protocol.CodeBadRequest, "empty name")
		return
	}
	if err := ctl.Switch.Registry.UpdateUsername(uid, p.Name); err != nil {
		ctl.sendError(conn, msg.ID, protocol.CodeBadRequest, "invalid_name")
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("name", p.Name).Msg("rename")
	ctl.handleWhoAmI(uid, conn, msg.ID)
}

func (ctl *SignalWSController) handleWhoAmI(uid domain.UserID, conn *WsSignalConn, ref string) {
	user, ok := ctl.Switch.Registry.User(uid)
	if !ok {
		return
	}
	ctl.sendJSON(conn, &protocol.WhoAmI{Header: protocol.Header{ID: ref}, User: &user})
}
