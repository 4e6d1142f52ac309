// Package server is the status and control surface of daemon mode.
package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/beekhof/streamplan-sync/internal/config"
	syncer "github.com/beekhof/streamplan-sync/internal/sync"
)

// Runner runs one sync.
type Runner interface {
	Run(ctx context.Context, mode config.Mode) *syncer.RunReport
}

// Server keeps the most recent run report and serves it over HTTP.
type Server struct {
	runner   Runner
	runToken string
	gatherer prometheus.Gatherer
	log      logrus.FieldLogger

	// running is held for the whole of a sync; runs never overlap in-process.
	running sync.Mutex

	mu   sync.RWMutex
	last *syncer.RunReport
	app  *fiber.App
}

// New creates a Server. gatherer may be nil to disable /metrics. An empty
// runToken leaves POST /run open.
func New(runner Runner, runToken string, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	s := &Server{
		runner:   runner,
		runToken: runToken,
		gatherer: gatherer,
		log:      log,
	}
	s.app = s.routes()
	return s
}

// App exposes the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", s.handleHealth)
	app.Get("/report", s.handleReport)
	app.Post("/run", s.authMiddleware, s.handleRun)
	if s.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("Starting status server")
	return s.app.Listen(addr)
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// RunAndRecord runs a sync and remembers its report. It waits for a sync
// already in flight to finish first.
func (s *Server) RunAndRecord(ctx context.Context, mode config.Mode) *syncer.RunReport {
	s.running.Lock()
	defer s.running.Unlock()
	return s.run(ctx, mode)
}

// TryRunAndRecord is RunAndRecord, except that it returns false at once
// when a sync is in flight.
func (s *Server) TryRunAndRecord(ctx context.Context, mode config.Mode) (*syncer.RunReport, bool) {
	if !s.running.TryLock() {
		return nil, false
	}
	defer s.running.Unlock()
	return s.run(ctx, mode), true
}

func (s *Server) run(ctx context.Context, mode config.Mode) *syncer.RunReport {
	report := s.runner.Run(ctx, mode)
	s.Record(report)
	return report
}

// Record stores report as the most recent one.
func (s *Server) Record(report *syncer.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = report
}

func (s *Server) lastReport() *syncer.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.runToken == "" {
		return c.Next()
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.runToken)) != 1 {
		return c.Status(fiber.StatusUnauthorized).SendString("Unauthorized")
	}
	return c.Next()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (s *Server) handleReport(c *fiber.Ctx) error {
	report := s.lastReport()
	if report == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no run yet"})
	}
	return c.JSON(report)
}

func (s *Server) handleRun(c *fiber.Ctx) error {
	report, ok := s.TryRunAndRecord(c.UserContext(), config.ModeManual)
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a sync is already running"})
	}
	status := fiber.StatusOK
	if report.Status == syncer.StatusFatal {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(report)
}
