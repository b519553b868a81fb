// Package api exposes the read-only summary and time-series endpoints over
// the aggregated store, with the same htpasswd/basic-auth precedence as the
// dashboard it replaces.
package api

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailwatch/geotrail/internal/config"
)

// Server serves the JSON read API.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	queries *Queries
}

// New creates a Server wired to cfg's listen address and auth settings.
func New(cfg *config.Config, db *sql.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "geotrail",
		DisableStartupMessage: true,
	})

	s := &Server{app: app, cfg: cfg, queries: NewQueries(db)}

	if authMiddleware := s.createAuthMiddleware(); authMiddleware != nil {
		app.Use(authMiddleware)
	}
	s.setupRoutes()

	return s
}

func (s *Server) createAuthMiddleware() fiber.Handler {
	if s.cfg.HtpasswdFile != "" {
		users, err := parseHtpasswd(s.cfg.HtpasswdFile)
		if err != nil {
			log.Printf("api: failed to parse htpasswd file, continuing unauthenticated: %v", err)
			return nil
		}
		return basicauth.New(basicauth.Config{
			Authorizer: func(user, pass string) bool {
				hashedPass, exists := users[user]
				if !exists {
					return false
				}
				return verifyPassword(pass, hashedPass)
			},
		})
	}

	if s.cfg.AuthUser != "" && s.cfg.AuthPass != "" {
		return basicauth.New(basicauth.Config{
			Users: map[string]string{s.cfg.AuthUser: s.cfg.AuthPass},
		})
	}

	return nil
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.handleHealthz)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/api/summary", s.handleSummary)
	s.app.Get("/api/timeseries", s.handleTimeSeries)
	s.app.Get("/api/unique-ips", s.handleExactUniqueIPs)
}

// Start begins listening. Blocks until Shutdown is called or it fails.
func (s *Server) Start() error {
	log.Printf("api: listening on %s", s.cfg.Listen)
	return s.app.Listen(s.cfg.Listen)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	start := c.Query("start")
	end := c.Query("end")
	if start == "" || end == "" {
		return fiber.NewError(fiber.StatusBadRequest, "start and end query parameters are required")
	}
	comparePrevious := c.QueryBool("compare_previous", false)

	result, err := s.queries.Summary(c.Context(), start, end, comparePrevious)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("summary query failed: %v", err))
	}
	return c.JSON(result)
}

func (s *Server) handleTimeSeries(c *fiber.Ctx) error {
	start := c.Query("start")
	end := c.Query("end")
	granularity := c.Query("granularity", "hourly")
	if start == "" || end == "" {
		return fiber.NewError(fiber.StatusBadRequest, "start and end query parameters are required")
	}
	if granularity != "hourly" && granularity != "daily" {
		return fiber.NewError(fiber.StatusBadRequest, "granularity must be 'hourly' or 'daily'")
	}

	points, err := s.queries.TimeSeries(c.Context(), start, end, granularity)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("timeseries query failed: %v", err))
	}
	return c.JSON(fiber.Map{"granularity": granularity, "points": points})
}

func (s *Server) handleExactUniqueIPs(c *fiber.Ctx) error {
	start := c.Query("start")
	end := c.Query("end")
	if start == "" || end == "" {
		return fiber.NewError(fiber.StatusBadRequest, "start and end query parameters are required")
	}

	count, err := s.queries.ExactUniqueIPs(c.Context(), start, end)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("unique-ip query failed: %v", err))
	}
	return c.JSON(fiber.Map{"unique_ips": count})
}
