package http

import (
	"context"
	"net/http"

	"github.com/dkeye/roomrelay/internal/adapters/ws"
	"github.com/dkeye/roomrelay/internal/app"
	"github.com/dkeye/roomrelay/internal/config"
	"github.com/dkeye/roomrelay/internal/core"
	"github.com/dkeye/roomrelay/internal/domain"
	"github.com/dkeye/roomrelay/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// Deps is everything the router hands to its handlers.
type Deps struct {
	Registry *app.Registry
	Sessions *app.SessionHandler
	Metrics  *metrics.Metrics
	Tracker  *SessionTracker
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable per-browser token in the cookie session.
// It is only used to correlate logs; it is not an identity.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	wsHandler := handleWS(ctx, cfg, deps)
	r.GET("/ws", wsHandler)

	api := r.Group("/api")
	api.GET("/ws", wsHandler)

	// GET /api/rooms lists rooms with at least one member.
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": deps.Registry.Rooms()})
	})

	// GET /api/rooms/:name/members lists the memberships of one room.
	api.GET("/rooms/:name/members", func(c *gin.Context) {
		name := domain.RoomName(c.Param("name"))
		snaps := deps.Registry.MembersOfRoom(name)
		members := make([]domain.Membership, 0, len(snaps))
		for _, snap := range snaps {
			members = append(members, snap.Member)
		}
		c.JSON(http.StatusOK, gin.H{"room": name, "members": members})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

// WithCORS wraps the router for browser clients served from another origin.
// Origins are matched by the same policy as the WebSocket upgrade, and the
// request origin is echoed back since credentials rule out "*".
func WithCORS(cfg *config.Config, h http.Handler) http.Handler {
	checker := newOriginChecker(cfg.AllowedOrigins)
	return cors.New(cors.Options{
		AllowOriginFunc:  checker.allowOrigin,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(h)
}

func handleWS(ctx context.Context, cfg *config.Config, deps Deps) gin.HandlerFunc {
	checker := newOriginChecker(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checker.allowed,
	}
	opts := ws.Options{
		SendBuffer: cfg.SendBuffer,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
	}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
			return
		}

		id := core.ConnID(uuid.NewString())
		log.Info().Str("module", "adapters.http").Str("conn", string(id)).Str("client", c.GetString(clientTokenKey)).Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

		transport := ws.NewConnection(id, conn, opts)
		// Connection-scoped context; cancel inherited by server shutdown.
		connCtx, cancel := context.WithCancel(ctx)
		transport.Start(connCtx)

		started := deps.Tracker.Go(func() {
			defer cancel()
			_ = deps.Sessions.Serve(connCtx, transport)
		})
		if !started {
			cancel()
			transport.Close()
			log.Warn().Str("module", "adapters.http").Str("conn", string(id)).Msg("refused WS connection during shutdown")
		}
	}
}
