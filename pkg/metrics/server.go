package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Server exposes the collector's registry over HTTP for the duration of a
// run. Long audits and exports of large instances can take many minutes;
// scraping them live beats reading counters from the final log line.
type Server struct {
	settings  *config.MetricsSettings
	collector *Collector
	logger    Logger
	server    *http.Server
}

// Logger is the minimal logging surface the server needs.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

func NewServer(settings *config.MetricsSettings, collector *Collector, logger Logger) *Server {
	return &Server{
		settings:  settings,
		collector: collector,
		logger:    logger,
	}
}

// Start begins serving in the background. A disabled server is a no-op so
// the composition root can call Start unconditionally.
func (s *Server) Start() error {
	if s.settings == nil || !s.settings.Enabled {
		return nil
	}
	if s.server != nil {
		return errors.New("metrics server already started")
	}

	path := s.settings.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	s.server = &http.Server{
		Addr:         s.settings.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("metrics server listening", "addr", s.settings.Addr, "path", path)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		s.logger.Warn("metrics server shutdown", "error", err)
	}
	return err
}
