package app

import (
	"errors"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrPeerOffline = errors.New("target user not connected")
	ErrNoTarget    = errors.New("message has no target user")
	ErrSlowPeer    = errors.New("target user is not keeping up")
)

// Switchboard routes signaling frames between connected users. It never looks past
// the header: payloads are opaque to the relay.
type Switchboard struct {
	Registry *Registry
	Policy   Policy
}

func NewSwitchboard(reg *Registry, policy Policy) *Switchboard {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Switchboard{Registry: reg, Policy: policy}
}

// Deliver stamps the sender onto data and hands it to the target's connection.
func (s *Switchboard) Deliver(from domain.UserID, msg protocol.Message) error {
	to := msg.TargetUserID
	if to == "" {
		return ErrNoTarget
	}
	conn, ok := s.Registry.Conn(to)
	if !ok {
		return fmt.Errorf("deliver %s to %s: %w", msg.Type, to, ErrPeerOffline)
	}
	stamped, err := protocol.StampFrom(msg.Raw, from)
	if err != nil {
		return fmt.Errorf("stamp %s: %w", msg.Type, err)
	}
	if err := conn.TrySend(core.Frame(stamped)); err != nil {
		return s.onBackPressure(to, conn, msg.Type, err)
	}
	metrics.SignalMessages.WithLabelValues("relayed", string(msg.Type)).Inc()
	return nil
}

// SendTo writes a relay-originated envelope to one user.
func (s *Switchboard) SendTo(to domain.UserID, env protocol.Envelope) error {
	conn, ok := s.Registry.Conn(to)
	if !ok {
		return ErrPeerOffline
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.TrySend(core.Frame(data)); err != nil {
		return s.onBackPressure(to, conn, protocol.TypeOf(env), err)
	}
	return nil
}

func (s *Switchboard) onBackPressure(to domain.UserID, conn core.SignalConnection, typ protocol.Type, cause error) error {
	action := s.Policy.OnBackPressure(to, typ)
	log.Warn().Err(cause).Str("module", "app.switchboard").Str("target", string(to)).
		Str("type", string(typ)).Str("action", action.String()).Msg("send failed")
	if action == KickMember {
		s.Kick(to, conn)
	}
	return fmt.Errorf("deliver %s to %s: %w", typ, to, ErrSlowPeer)
}

// Kick drops the user's connection when it is still conn.
func (s *Switchboard) Kick(id domain.UserID, conn core.SignalConnection) {
	if !s.Registry.Evict(id, conn) {
		return
	}
	conn.Close()
	log.Info().Str("module", "app.switchboard").Str("user", string(id)).Msg("kicked slow consumer")
}

// OnDisconnect forgets conn after its pumps stopped.
func (s *Switchboard) OnDisconnect(id domain.UserID, conn core.SignalConnection) {
	s.Registry.Unbind(id, conn)
}
