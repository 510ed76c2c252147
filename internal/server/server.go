// Package server exposes the research pipeline over HTTP: trigger runs,
// inspect artifact snapshots and review records, and serve metrics.
package server

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/internal/telemetry"
)

// Server hosts the dashboard API. Each triggered run owns its own
// artifact space; the server keeps a registry of finished and running
// jobs for inspection.
type Server struct {
	cfg    *config.Config
	runner Runner
	tel    *telemetry.Telemetry
	logger *log.Logger

	mu   sync.RWMutex
	jobs map[string]*runJob
}

// New builds a server around a run executor. A nil telemetry gets a
// disabled instance.
func New(cfg *config.Config, runner Runner, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.New(config.TelemetryConfig{})
	}
	return &Server{
		cfg:    cfg,
		runner: runner,
		tel:    tel,
		logger: log.New(os.Stdout, "[SERVER] ", log.LstdFlags),
		jobs:   make(map[string]*runJob),
	}
}

// Echo assembles the route table and middleware stack.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	httpLogger := log.New(os.Stdout, "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(s.tel.Handler()))

	api := e.Group("/api")
	api.POST("/runs", s.createRun)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/snapshot", s.getSnapshot)
	api.GET("/runs/:id/artifacts/:uid", s.getArtifact)
	api.GET("/runs/:id/review", s.getReview)
	api.GET("/costs", s.getCosts)

	return e
}

// Start blocks serving the API on addr.
func (s *Server) Start(addr string) error {
	s.logger.Printf("dashboard listening on %s", addr)
	return s.Echo().Start(addr)
}
