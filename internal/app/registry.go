package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultUsername = "guest"

type connEntry struct {
	conn   core.SignalConnection
	cancel context.CancelFunc
}

// Registry knows every user the relay has seen and the live signaling connection of
// those currently online. A user has at most one connection.
type Registry struct {
	mu    sync.RWMutex
	users map[domain.UserID]*domain.User
	conns map[domain.UserID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[domain.UserID]*domain.User),
		conns: make(map[domain.UserID]*connEntry),
	}
}

func (r *Registry) GetOrCreateUser(id domain.UserID) (domain.User, error) {
	if err := id.Validate(); err != nil {
		return domain.User{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return *u, nil
	}
	u := &domain.User{ID: id, Username: defaultUsername}
	r.users[id] = u
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("created new user")
	return *u, nil
}

func (r *Registry) User(id domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

func (r *Registry) UpdateUsername(id domain.UserID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.ErrUserIDEmpty
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("username", name).Msg("updated username")
	return nil
}

// Bind makes conn the user's signaling connection. A previous connection is canceled.
func (r *Registry) Bind(id domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = &connEntry{conn: conn, cancel: cancel}
	online := len(r.conns)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	if old != nil && old.conn != conn {
		log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("replacing existing connection")
		if old.cancel != nil {
			old.cancel()
		}
		old.conn.Close()
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("bound signal")
}

// Unbind forgets conn if it is still the user's current connection.
func (r *Registry) Unbind(id domain.UserID, conn core.SignalConnection) bool {
	_, ok := r.remove(id, conn)
	return ok
}

// Evict unbinds conn and stops its pumps.
func (r *Registry) Evict(id domain.UserID, conn core.SignalConnection) bool {
	e, ok := r.remove(id, conn)
	if ok && e.cancel != nil {
		e.cancel()
	}
	return ok
}

func (r *Registry) remove(id domain.UserID, conn core.SignalConnection) (*connEntry, bool) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok || e.conn != conn {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, id)
	online := len(r.conns)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("unbind signal")
	return e, true
}

func (r *Registry) Conn(id domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Online lists connected users ordered by id.
func (r *Registry) Online() []domain.User {
	r.mu.RLock()
	out := make([]domain.User, 0, len(r.conns))
	for id := range r.conns {
		if u, ok := r.users[id]; ok {
			out = append(out, *u)
		} else {
			out = append(out, domain.User{ID: id})
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cancel stops the user's connection pumps.
func (r *Registry) Cancel(id domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("canceled session")
	return true
}
