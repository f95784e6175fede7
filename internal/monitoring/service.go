package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/writemesh/writemesh/internal/config"
	"github.com/writemesh/writemesh/internal/coord"
	"github.com/writemesh/writemesh/internal/logger"
)

// StatusProvider returns the current coordinator status for the health and
// metrics surfaces
type StatusProvider func() coord.Status

// Service exposes Prometheus metrics and a health endpoint for one peer. It
// implements coord.Observer so the coordinator feeds it protocol events.
type Service struct {
	config *config.MonitoringConfig
	logger *logrus.Entry
	status StatusProvider

	server   *http.Server
	registry *prometheus.Registry
	metrics  *Metrics

	startTime time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// Metrics holds the Prometheus metrics for the coordination protocol
type Metrics struct {
	Primary          prometheus.Gauge
	OtherPeers       prometheus.Gauge
	Transitions      *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	GoRoutines       prometheus.Gauge
}

// NewService creates a monitoring service for the given coordinator status
// provider
func NewService(cfg *config.MonitoringConfig, status StatusProvider) *Service {
	s := &Service{
		config:    cfg,
		logger:    logger.NewForComponent("monitoring"),
		status:    status,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	s.initializeMetrics()
	return s
}

// Start starts the metrics HTTP server and background workers
func (s *Service) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("monitoring service is already running")
	}
	s.running = true
	s.runningMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	if !s.config.Enabled {
		s.logger.Info("Monitoring disabled, skipping start")
		return nil
	}

	s.logger.Info("Starting monitoring service")

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go s.systemMetricsWorker()

	s.logger.WithField("port", s.config.MetricsPort).Info("Monitoring service started")
	return nil
}

// Stop stops the monitoring service
func (s *Service) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.logger.Info("Stopping monitoring service")

	if s.cancel != nil {
		s.cancel()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}

	s.wg.Wait()

	s.logger.Info("Monitoring service stopped")
}

// StateChanged implements coord.Observer
func (s *Service) StateChanged(from, to coord.State) {
	s.metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == coord.StatePrimary {
		s.metrics.Primary.Set(1)
	} else {
		s.metrics.Primary.Set(0)
	}
}

// MessageReceived implements coord.Observer
func (s *Service) MessageReceived(kind string) {
	s.metrics.MessagesReceived.WithLabelValues(kind).Inc()
	s.metrics.OtherPeers.Set(1)
}

// MessageSent implements coord.Observer
func (s *Service) MessageSent(kind string) {
	s.metrics.MessagesSent.WithLabelValues(kind).Inc()
}

func (s *Service) initializeMetrics() {
	s.metrics = &Metrics{
		Primary: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "writemesh_primary",
				Help: "Whether this peer is the primary (1) or not (0)",
			},
		),
		OtherPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "writemesh_other_peers",
				Help: "Whether another live peer has been observed recently (1) or not (0)",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "writemesh_state_transitions_total",
				Help: "Total number of coordinator state transitions",
			},
			[]string{"from", "to"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "writemesh_messages_received_total",
				Help: "Total number of protocol messages received, by kind",
			},
			[]string{"kind"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "writemesh_messages_sent_total",
				Help: "Total number of protocol messages published, by kind",
			},
			[]string{"kind"},
		),
		GoRoutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "go_routines",
				Help: "Number of goroutines",
			},
		),
	}

	s.registry.MustRegister(
		s.metrics.Primary,
		s.metrics.OtherPeers,
		s.metrics.Transitions,
		s.metrics.MessagesReceived,
		s.metrics.MessagesSent,
		s.metrics.GoRoutines,
	)
}

func (s *Service) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc(s.config.HealthPath, s.healthHandler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	return nil
}

// systemMetricsWorker refreshes system and projection gauges. The other-peers
// gauge decays here: message events only ever raise it.
func (s *Service) systemMetricsWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))

			status := s.status()
			if status.HasOtherPeers {
				s.metrics.OtherPeers.Set(1)
			} else {
				s.metrics.OtherPeers.Set(0)
			}
		}
	}
}

// healthHandler reports the coordinator status. A blocked peer is healthy:
// exclusion only degrades UX, not data integrity.
func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.status()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"uptime":      time.Since(s.startTime).String(),
		"coordinator": status,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
