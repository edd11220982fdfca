package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/apiserver/handlers"
	"github.com/adflow/adflow/pkg/apiserver/middleware"
	"github.com/adflow/adflow/pkg/callbacks"
	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/eventbus"
	"github.com/adflow/adflow/pkg/workflow"
)

// Deps are the services behind the HTTP surface. Sessions is required for
// every authenticated route; the others may be nil when a route is unused.
type Deps struct {
	Engine     *workflow.Engine
	Dispatcher *workflow.Dispatcher
	Ledger     *credits.Ledger
	Bus        *eventbus.Bus
	Sweeper    handlers.Sweeper
	Callbacks  *callbacks.Processor
	// CallbackQueue is set when webhooks are processed by the callback
	// worker instead of inline.
	CallbackQueue handlers.CallbackQueue
	Sessions      middleware.SessionVerifier
}

type Server struct {
	router *gin.Engine
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(s.cfg.Server.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	monitorHandler := handlers.NewMonitorHandler(s.deps.Sweeper, s.cfg.Auth.MonitorSecret, s.logger)
	api.POST("/monitor-tasks", monitorHandler.Run)

	callbackHandler := handlers.NewCallbackHandler(s.deps.Callbacks, s.deps.CallbackQueue, s.logger)
	api.POST("/callbacks/:vendor", callbackHandler.Receive)

	authed := api.Group("")
	{
		authed.Use(middleware.Auth(s.deps.Sessions))

		workflowHandler := handlers.NewWorkflowHandler(s.deps.Engine, s.deps.Dispatcher, s.deps.Bus, s.logger)
		authed.POST("/workflows/start", workflowHandler.Start)
		authed.GET("/workflows", workflowHandler.List)
		authed.POST("/workflows/:id/process", workflowHandler.Process)
		authed.PATCH("/workflows/:id/confirm", workflowHandler.Confirm)
		authed.POST("/workflows/:id/regenerate", workflowHandler.Regenerate)
		authed.GET("/workflows/:id/status", workflowHandler.Status)
		authed.GET("/workflows/:id/events", workflowHandler.Events)

		creditsHandler := handlers.NewCreditsHandler(s.deps.Ledger, s.cfg.Credits.InitialGrant, s.logger)
		authed.GET("/credits", creditsHandler.Get)
		authed.POST("/credits/initialize", creditsHandler.Initialize)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
