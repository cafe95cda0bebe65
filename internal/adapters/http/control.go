package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const eventWriteWait = 5 * time.Second

// CallControl is the call surface the control API drives. *orch.Machine implements it.
type CallControl interface {
	Self() domain.User
	Session() domain.CallSession
	StartCall(ctx context.Context, peer domain.User, opts orch.CallOptions) error
	PreAccept(peer domain.User, opts orch.CallOptions) error
	AcceptCall(ctx context.Context, opts orch.CallOptions) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	SetAudioEnabled(on bool) error
	SetVideoEnabled(on bool) error
	SetSpeaker(on bool) error
	Speaker() bool
	RequestUpgrade(ctx context.Context) error
	AcceptUpgrade(ctx context.Context) error
	RejectUpgrade(ctx context.Context) error
	SyncFromExternal(snap domain.SyncSnapshot) error
	SetExternalActive(active bool)
}

var _ CallControl = (*orch.Machine)(nil)

type peerRequest struct {
	PeerID   domain.UserID `json:"peerId" binding:"required"`
	PeerName string        `json:"peerName"`
	Video    bool          `json:"video"`
}

type acceptRequest struct {
	Video bool `json:"video"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type externalRequest struct {
	Active   *bool                `json:"active"`
	Snapshot *domain.SyncSnapshot `json:"snapshot"`
}

// statusFor maps call errors onto HTTP statuses.
func statusFor(err error) int {
	var te *domain.TransportError
	switch {
	case errors.Is(err, domain.ErrSelfCall),
		errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrNoActiveCall),
		errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrUpgradePending),
		errors.Is(err, domain.ErrVideoActive),
		errors.Is(err, domain.ErrNoVideoTrack),
		errors.Is(err, domain.ErrCallSuperseded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrDeviceUnavailable),
		errors.As(err, &te):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, op string, err error) {
	if err != nil {
		code := statusFor(err)
		ev := log.Warn()
		if code >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(err).Str("module", "adapters.control").Str("op", op).Int("status", code).Msg("call control failed")
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetupControlRouter builds the local control API of the call daemon.
func SetupControlRouter(ctx context.Context, mode string, call CallControl, bus *events.Bus) *gin.Engine {
	r := newEngine(mode)
	api := r.Group("/api")

	api.GET("/call", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"self":    call.Self(),
			"session": call.Session(),
			"speaker": call.Speaker(),
		})
	})

	api.POST("/call/invite", func(c *gin.Context) {
		var req peerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		peer := domain.User{ID: req.PeerID, Username: req.PeerName}
		respond(c, "invite", call.StartCall(c.Request.Context(), peer, orch.CallOptions{Video: req.Video}))
	})

	api.POST("/call/preaccept", func(c *gin.Context) {
		var req peerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		peer := domain.User{ID: req.PeerID, Username: req.PeerName}
		respond(c, "preaccept", call.PreAccept(peer, orch.CallOptions{Video: req.Video}))
	})

	api.POST("/call/accept", func(c *gin.Context) {
		var req acceptRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		respond(c, "accept", call.AcceptCall(c.Request.Context(), orch.CallOptions{Video: req.Video}))
	})

	api.POST("/call/reject", func(c *gin.Context) {
		respond(c, "reject", call.RejectCall(c.Request.Context()))
	})

	api.POST("/call/end", func(c *gin.Context) {
		respond(c, "end", call.EndCall(c.Request.Context()))
	})

	toggle := func(op string, apply func(bool) error) gin.HandlerFunc {
		return func(c *gin.Context) {
			var req toggleRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			respond(c, op, apply(*req.Enabled))
		}
	}
	api.POST("/call/audio", toggle("audio", call.SetAudioEnabled))
	api.POST("/call/video", toggle("video", call.SetVideoEnabled))
	api.POST("/call/speaker", toggle("speaker", call.SetSpeaker))

	api.POST("/call/upgrade", func(c *gin.Context) {
		respond(c, "upgrade", call.RequestUpgrade(c.Request.Context()))
	})
	api.POST("/call/upgrade/accept", func(c *gin.Context) {
		respond(c, "upgrade accept", call.AcceptUpgrade(c.Request.Context()))
	})
	api.POST("/call/upgrade/reject", func(c *gin.Context) {
		respond(c, "upgrade reject", call.RejectUpgrade(c.Request.Context()))
	})

	api.PUT("/external", func(c *gin.Context) {
		var req externalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Active != nil {
			call.SetExternalActive(*req.Active)
		}
		if req.Snapshot != nil {
			respond(c, "external sync", call.SyncFromExternal(*req.Snapshot))
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/events", func(c *gin.Context) {
		streamEvents(ctx, c, bus)
	})

	return r
}

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes every bus event to a websocket until either side goes away.
func streamEvents(ctx context.Context, c *gin.Context, bus *events.Bus) {
	ws, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.control").Msg("ws upgrade")
		return
	}
	sub := bus.SubscribeAll()
	defer sub.Close()
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Str("module", "adapters.control").Str("remote", c.Request.RemoteAddr).Msg("event stream opened")
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(eventWriteWait))
			return
		case <-gone:
			log.Info().Str("module", "adapters.control").Msg("event stream closed by client")
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("module", "adapters.control").Msg("event write failed")
				return
			}
		}
	}
}
