package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/writemesh/writemesh/internal/bus"
	"github.com/writemesh/writemesh/internal/config"
	"github.com/writemesh/writemesh/internal/coord"
	"github.com/writemesh/writemesh/internal/logger"
	"github.com/writemesh/writemesh/internal/monitoring"
	"github.com/writemesh/writemesh/pkg/api"
)

// Server wires the bus, the coordinator, the monitoring service, and the
// HTTP API into one peer process
type Server struct {
	config      *config.Config
	coordinator *coord.Coordinator
	monitoring  *monitoring.Service
	httpServer  *http.Server
	logger      *logrus.Entry
}

// New creates a server instance from configuration
func New(cfg *config.Config) *Server {
	log := logger.NewForComponent("server")

	adapter := newBus(cfg, log)

	coordinator := coord.New(adapter, coord.Options{
		PeerID:            cfg.Coordinator.PeerID,
		ElectionWindow:    cfg.Coordinator.ElectionWindow,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Coordinator.HeartbeatTimeout,
		LivenessInterval:  cfg.Coordinator.LivenessInterval,
	}, log)

	monitoringService := monitoring.NewService(&cfg.Monitoring, coordinator.Status)
	coordinator.SetObserver(monitoringService)

	coordinator.OnFocusRequest(func() {
		// The daemon has no window to raise; surface the request so the
		// embedding host can react
		log.Info("Focus requested by a demoted peer")
	})

	return &Server{
		config:      cfg,
		coordinator: coordinator,
		monitoring:  monitoringService,
		logger:      log,
	}
}

// newBus constructs the broadcast adapter for the configured mode. Transport
// construction failure is never fatal: the peer degrades to single-peer mode
// on a no-op bus.
func newBus(cfg *config.Config, log *logrus.Entry) bus.Bus {
	switch cfg.Bus.Mode {
	case "fsnotify":
		b, err := bus.NewFileBus(cfg.Bus.SpoolDir, cfg.Bus.Channel, cfg.Bus.SpoolTTL, log)
		if err != nil {
			log.WithError(err).Warn("Spool bus unavailable, degrading to single-peer mode")
			return bus.NewNoopBus()
		}
		return b
	case "libp2p":
		b, err := bus.NewLibp2pBus(context.Background(), bus.Libp2pOptions{
			Host:    cfg.Bus.Host,
			Port:    cfg.Bus.Port,
			Channel: cfg.Bus.Channel,
			MDNS:    cfg.Bus.MDNS,
		}, log)
		if err != nil {
			log.WithError(err).Warn("Pubsub bus unavailable, degrading to single-peer mode")
			return bus.NewNoopBus()
		}
		return b
	case "memory":
		return bus.NewNetwork().Join()
	default:
		return bus.NewNoopBus()
	}
}

// Start starts all components and blocks until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"peer_id":  s.coordinator.ID(),
		"bus_mode": s.config.Bus.Mode,
	}).Info("Starting writemesh peer")

	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if err := s.monitoring.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring service: %w", err)
	}

	s.startHTTPServer()
	s.watchResume(ctx)

	s.logger.WithFields(logrus.Fields{
		"http_port":    s.config.Server.Port,
		"metrics_port": s.config.Monitoring.MetricsPort,
	}).Info("Server started successfully")

	// Wait for context cancellation
	<-ctx.Done()
	s.logger.Info("Context cancelled, shutting down")

	return s.Stop()
}

// Stop gracefully stops the server. The coordinator goes last-but-one so its
// goodbye still reaches the bus before the adapter closes.
func (s *Server) Stop() error {
	s.logger.Info("Stopping server")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server")
		}
	}

	if err := s.coordinator.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close coordinator")
	}

	s.monitoring.Stop()

	s.logger.Info("Server stopped successfully")
	return nil
}

// Coordinator returns the peer's coordinator
func (s *Server) Coordinator() *coord.Coordinator {
	return s.coordinator
}

func (s *Server) startHTTPServer() {
	handler := api.NewHTTPHandler(s.coordinator)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	go func() {
		s.logger.WithField("address", s.httpServer.Addr).Info("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()
}

// watchResume re-announces the peer when the process is continued after a
// suspension; internal timers cannot be trusted across a freeze
func (s *Server) watchResume(ctx context.Context) {
	resumed := make(chan os.Signal, 1)
	signal.Notify(resumed, syscall.SIGCONT)

	go func() {
		defer signal.Stop(resumed)
		for {
			select {
			case <-ctx.Done():
				return
			case <-resumed:
				s.logger.Info("Process resumed, re-announcing")
				s.coordinator.Resume()
			}
		}
	}()
}
