package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentforge/internal/health"
	"github.com/p-blackswan/agentforge/internal/metrics"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	// ProjectRoot, when set, confines requested project paths.
	ProjectRoot string
	Selection   selector.Config
}

// Deps are the collaborators behind the routes. Events, Checker and
// Metrics are optional.
type Deps struct {
	Runs     Runs
	Analyzer profile.Analyzer
	Events   EventLog
	Checker  *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the HTTP API fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Runs == nil || deps.Analyzer == nil {
		return nil, fmt.Errorf("api: runs and analyzer are required")
	}
	if cfg.Selection == (selector.Config{}) {
		cfg.Selection = selector.DefaultConfig()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}
	h := &Handlers{
		runs:        deps.Runs,
		analyzer:    deps.Analyzer,
		selection:   cfg.Selection,
		events:      deps.Events,
		projectRoot: cfg.ProjectRoot,
		logger:      logger.With().Str("component", "api_handlers").Logger(),
	}
	s.setupMiddleware(cfg)
	s.setupRoutes(h, deps)
	return s, nil
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}
	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}
	s.app.Use(NewAuthMiddleware(cfg.Auth, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprint(c.Locals("request_id"))).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, deps Deps) {
	s.app.Get("/healthz", health.LivenessHandler)
	if deps.Checker != nil {
		s.app.Get("/readyz", deps.Checker.ReadinessHandler)
	} else {
		s.app.Get("/readyz", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "ready"})
		})
	}
	if deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	v1 := s.app.Group("/api/v1")
	read := requireRole(RoleReadOnly)
	write := requireRole(RoleOperator)

	v1.Post("/runs", write, h.StartRun)
	v1.Get("/runs", read, h.ListRuns)
	v1.Get("/runs/:id", read, h.GetRun)
	v1.Delete("/runs/:id", write, h.DeleteRun)
	v1.Post("/runs/:id/validate", write, h.Revalidate)
	v1.Post("/analyze", write, h.Analyze)
	v1.Get("/templates", read, h.Templates)
	v1.Get("/events", read, h.Events)
}

// Start listens on the configured address. Blocks until shut down.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8095"
	}
	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code, errType, detail := fiber.StatusInternalServerError, "internal_error", "An internal error occurred"
		var fe *fiber.Error
		if errors.As(err, &fe) && fe.Code != fiber.StatusInternalServerError {
			code, errType, detail = fe.Code, "http_error", fe.Message
		}
		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")
		return problemResponse(c, code, errType, utils.StatusMessage(code), detail)
	}
}
