package signal

import "github.com/dkeye/VoiceCall/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, msg protocol.Message) {
	ctl.sendJSON(conn, &protocol.Pong{Header: protocol.Header{ID: msg.ID}})
}
