package delivery

import (
	"log/slog"

	"dashtracer-chat/internal/config"
	"dashtracer-chat/internal/relay"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	config    *config.Config
	hub       *relay.Hub
	wsManager *WSManager
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	app       *fiber.App
}

func NewServer(cfg *config.Config, hub *relay.Hub, wsManager *WSManager, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	s := &Server{
		config:    cfg,
		hub:       hub,
		wsManager: wsManager,
		gatherer:  gatherer,
		logger:    log,
	}
	s.app = s.routes()
	return s
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "DASHTRACER chat relay",
		DisableStartupMessage: !s.config.IsDevelopment(),
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,HEAD,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		s.logger.Info("CORS configured for production", "origins", corsConfig.AllowOrigins)
	} else {
		corsConfig.AllowOrigins = "*"
		// Wildcard origins cannot carry credentials.
		corsConfig.AllowCredentials = false
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api")
	api.Get("/channels/:channel_id/presence", s.handleGetChannelPresence)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.wsManager.HandleConnection(c, c.Query("userId"), c.Query("role"))
	}))

	return app
}

// Start listens on the configured port and blocks.
func (s *Server) Start() error {
	s.logger.Info("chat relay starting", "port", s.config.Port, "instance_id", s.hub.InstanceID())
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
