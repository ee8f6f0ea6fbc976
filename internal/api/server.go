package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"

	"github.com/coopco/pushmon/internal/filter"
	"github.com/coopco/pushmon/internal/monitor"
	"github.com/coopco/pushmon/internal/pushover"
)

// Server exposes the control API: live status, message history and the
// mutable filter/notification/routing configuration. The session handle is
// injected at construction; there is no shared global client.
type Server struct {
	app     *fiber.App
	session *monitor.Session
	addr    string
}

// New builds the Fiber app and registers all routes.
func New(session *monitor.Session, addr string) *Server {
	app := fiber.New(fiber.Config{
		AppName: "pushmon control API",
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	s := &Server{app: app, session: session, addr: addr}

	api := app.Group("/api", s.requireReady)
	api.Get("/status", s.handleStatus)
	api.Get("/messages", s.handleMessages)
	api.Get("/config", s.handleGetConfig)
	api.Put("/config/filters", s.handlePutFilters)
	api.Put("/config/notifications", s.handlePutNotifications)
	api.Put("/config/channels", s.handlePutChannels)
	api.Put("/config/users", s.handlePutUsers)

	return s
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	slog.Info("api: listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// requireReady serves 503 on every route until the session has completed its
// initial gateway handshake.
func (s *Server) requireReady(c fiber.Ctx) error {
	if !s.session.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"detail": "session not ready",
		})
	}
	return c.Next()
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connected": s.session.Connected(),
		"channels":  s.session.Channels(),
	})
}

func (s *Server) handleMessages(c fiber.Ctx) error {
	return c.JSON(s.session.History())
}

func (s *Server) handleGetConfig(c fiber.Ctx) error {
	cfg := s.session.Config()
	return c.JSON(fiber.Map{
		"channel_ids":     cfg.ChannelIDs,
		"target_user_ids": cfg.UserIDs,
		"filters":         cfg.Filters,
		"notifications":   cfg.Notifications,
	})
}

func (s *Server) handlePutFilters(c fiber.Ctx) error {
	var filters filter.Config
	if err := c.Bind().Body(&filters); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": err.Error()})
	}
	applied := s.session.SetFilters(filters)
	return c.JSON(fiber.Map{"status": "success", "filters": applied})
}

func (s *Server) handlePutNotifications(c fiber.Ctx) error {
	var notif pushover.NotificationConfig
	if err := c.Bind().Body(&notif); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": err.Error()})
	}
	applied, err := s.session.SetNotifications(notif)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidPriority) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "success", "notifications": applied})
}

func (s *Server) handlePutChannels(c fiber.Ctx) error {
	var ids []string
	if err := c.Bind().Body(&ids); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": err.Error()})
	}
	applied := s.session.SetChannels(ids)
	return c.JSON(fiber.Map{"status": "success", "channel_ids": applied})
}

func (s *Server) handlePutUsers(c fiber.Ctx) error {
	var ids []string
	if err := c.Bind().Body(&ids); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": err.Error()})
	}
	applied := s.session.SetUsers(ids)
	return c.JSON(fiber.Map{"status": "success", "user_ids": applied})
}
