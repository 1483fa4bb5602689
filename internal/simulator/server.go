package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"climacore.dev/climacore/pkg/metrics"
	"climacore.dev/climacore/pkg/mqtt"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	Logger *slog.Logger

	// Broker configuration
	BrokerURL          string
	ClientID           string
	Username           string
	Password           string
	CAFile             string
	InsecureSkipVerify bool

	// Interval between publish rounds
	Interval time.Duration
	// FleetSize is the number of simulated devices
	FleetSize int

	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
}

// Server owns the broker connection for one simulated fleet and runs it
// until shutdown.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	transport *mqtt.Client
	simulator *Simulator
}

// NewServer creates a simulator server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("simulator server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID cannot be empty")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run connects to the broker and publishes rounds until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	clientID := fmt.Sprintf("%s-%s", s.config.ClientID, uuid.NewString()[:8])
	transport, err := mqtt.New(&mqtt.Config{
		Logger:             s.logger,
		BrokerURL:          s.config.BrokerURL,
		ClientID:           clientID,
		Username:           s.config.Username,
		Password:           s.config.Password,
		CAFile:             s.config.CAFile,
		InsecureSkipVerify: s.config.InsecureSkipVerify,
		StatusTopic:        fmt.Sprintf("climacore/status/%s", clientID),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	s.transport = transport

	sim, err := New(&Config{
		Logger:    s.logger,
		Transport: transport,
		Metrics:   s.config.Metrics,
		Interval:  s.config.Interval,
		FleetSize: s.config.FleetSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize simulator: %w", err)
	}
	s.simulator = sim

	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	go s.simulator.Run(ctx)

	s.logger.Info("simulator server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	}

	s.logger.Info("shutting down simulator server")
	s.transport.Close()
	s.logger.Info("simulator server shutdown completed successfully")
	return nil
}
