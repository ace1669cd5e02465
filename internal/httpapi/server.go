// Package httpapi is the outer surface of the daemon: the websocket
// endpoint clients live on, a small REST fallback for polling clients,
// credential endpoints, and the metrics handler.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quietwire/server/internal/auth"
	"github.com/quietwire/server/internal/config"
	"github.com/quietwire/server/internal/relay"
	"github.com/quietwire/server/internal/store"
)

// Server owns the echo instance and its lifecycle.
type Server struct {
	echo *echo.Echo
	cfg  config.Config
	log  *zap.Logger
}

// Deps collects the collaborators the handlers route into.
type Deps struct {
	Auth     *auth.Service
	Verifier *auth.Verifier
	Router   *relay.Router
	Clears   *relay.Coordinator
	Hub      *relay.Hub
	DB       *store.DB
}

func NewServer(cfg config.Config, deps Deps, promReg *prometheus.Registry, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "quietwire",
		Registerer: promReg,
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimitPerSec))))

	s := &Server{echo: e, cfg: cfg, log: log.Named("http")}
	h := &handlers{deps: deps, cfg: cfg, log: s.log}

	e.GET("/ws", h.websocket)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: promReg}))

	api := e.Group("/api")
	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)

	authed := api.Group("", h.requireToken)
	authed.POST("/message/send", h.sendMessage)
	authed.GET("/message/receive", h.receiveMessages)
	authed.DELETE("/message/clear", h.clearConversation)
	authed.GET("/contacts", h.listContacts)
	authed.POST("/contacts", h.addContact)
	authed.POST("/keys", h.uploadKeys)
	authed.GET("/keys/status", h.keyStatus)
	authed.GET("/keys/:identifier", h.requestKey)

	return s
}

// Start begins serving in a goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Listen))
		if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
