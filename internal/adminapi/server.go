// Package adminapi exposes a read-only HTTP surface over the engine's
// runtime state: health, open/pending/closed position counts, and
// per-leader aggregates.
package adminapi

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pumpfun-copy-engine/internal/datastore"
	"pumpfun-copy-engine/internal/health"
	"pumpfun-copy-engine/internal/positions"
	"pumpfun-copy-engine/internal/replication"
)

// MetricsSource supplies execution-latency metrics for the /stats endpoint.
type MetricsSource interface {
	Metrics() replication.Snapshot
}

// Server is the admin HTTP server.
type Server struct {
	app     *fiber.App
	store   *positions.Store
	data    *datastore.Store
	checker *health.Checker
	metrics MetricsSource
	host    string
	port    int
}

// NewServer creates the admin API server, wiring the position store, data
// store, health checker, and execution-metrics source it reports on.
func NewServer(host string, port int, store *positions.Store, data *datastore.Store, checker *health.Checker, metrics MetricsSource) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{app: app, store: store, data: data, checker: checker, metrics: metrics, host: host, port: port}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/positions", s.handlePositions)
	s.app.Get("/positions/:id", s.handlePositionByID)
	s.app.Get("/stats", s.handleStats)
	s.app.Get("/stats/:leader", s.handleLeaderStats)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	statuses := s.checker.GetStatuses()
	code := fiber.StatusOK
	if !s.checker.AllHealthy() {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"healthy":    s.checker.AllHealthy(),
		"components": statuses,
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handlePositions(c *fiber.Ctx) error {
	statusFilter := c.Query("status")

	var filter func(*positions.Position) bool
	if statusFilter != "" {
		filter = func(p *positions.Position) bool { return string(p.Status) == statusFilter }
	}

	open := s.store.GetOpen(filter)
	return c.JSON(fiber.Map{
		"positions": open,
		"count":     len(open),
	})
}

func (s *Server) handlePositionByID(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid position id"})
	}

	pos, ok := s.store.GetByID(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "position not found"})
	}
	return c.JSON(pos)
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats := s.store.GetStats()
	resp := fiber.Map{
		"pending": stats.Pending,
		"open":    stats.Open,
		"closed":  stats.Closed,
	}
	if s.metrics != nil {
		resp["execution"] = s.metrics.Metrics()
	}
	return c.JSON(resp)
}

func (s *Server) handleLeaderStats(c *fiber.Ctx) error {
	leader := c.Params("leader")
	trader, ok := s.data.GetTraderStats(leader)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown leader"})
	}
	return c.JSON(trader)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting admin api")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
