// Package engine wires the transport, registries, pipeline and control loop
// into one runnable server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"climacore.dev/climacore/internal/control"
	"climacore.dev/climacore/internal/ingest"
	"climacore.dev/climacore/internal/sessions"
	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/internal/topics"
	"climacore.dev/climacore/pkg/events"
	"climacore.dev/climacore/pkg/metrics"
	"climacore.dev/climacore/pkg/mqtt"
)

const metricsNamespace = "climacore"

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Broker configuration
	BrokerURL          string
	ClientID           string
	Username           string
	Password           string
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// Event bus configuration
	RabbitMQURL string

	// SessionTopic carries join/leave commands from monitoring clients.
	SessionTopic string

	// Legacy topics carry no owner information; readings on them are scoped
	// to this owner and area.
	LegacyOwnerID uint
	LegacyArea    string

	// Control loop tuning
	TickInterval    time.Duration
	FreshnessWindow time.Duration
	SearchRadius    float64
	Tolerance       float64
	DefaultTarget   float64

	// Pipeline sizing
	Workers   int
	QueueSize int

	// Metrics HTTP listener
	MetricsPort int
}

// Server is the composition root: it owns every component and runs them
// until shutdown.
type Server struct {
	logger *slog.Logger
	config *ServerConfig

	db         *gorm.DB
	repo       *store.Store
	cache      *ingest.Cache
	sessions   *sessions.Registry
	transport  *mqtt.Client
	bus        *events.Bus
	pipeline   *ingest.Pipeline
	topics     *topics.Registry
	control    *control.Engine
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
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
	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}
	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}
	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.MetricsPort <= 0 {
		return nil, errors.New("metrics port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts every component and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting engine server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Database
	db, err := store.NewDB(&store.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	repo, err := store.NewStore(db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.repo = repo

	s.logger.Info("database initialized successfully")

	// Event bus
	s.bus = events.New(s.config.RabbitMQURL, s.logger)
	s.bus.SetMetrics(metrics.NewEventMetrics(metricsNamespace))

	// Shared state
	s.cache = ingest.NewCache()
	s.sessions = sessions.NewRegistry(s.logger)

	// Broker transport. The client id gets a random suffix so parallel
	// instances never steal each other's persistent session.
	clientID := fmt.Sprintf("%s-%s", s.config.ClientID, uuid.NewString()[:8])
	transport, err := mqtt.New(&mqtt.Config{
		Logger:             s.logger,
		BrokerURL:          s.config.BrokerURL,
		ClientID:           clientID,
		Username:           s.config.Username,
		Password:           s.config.Password,
		CAFile:             s.config.CAFile,
		CertFile:           s.config.CertFile,
		KeyFile:            s.config.KeyFile,
		InsecureSkipVerify: s.config.InsecureSkipVerify,
		StatusTopic:        fmt.Sprintf("climacore/status/%s", clientID),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	transport.SetMetrics(metrics.NewMQTTMetrics(metricsNamespace))
	s.transport = transport

	// Topic registry and pipeline reference each other: the registry
	// delivers into the pipeline, the pipeline resolves through the
	// registry. The handler closure binds late; the pipeline exists before
	// the first delivery since nothing is subscribed until Connect.
	registry, err := topics.NewRegistry(&topics.Config{
		Logger:    s.logger,
		Source:    s.repo,
		Transport: s.transport,
		Handler: func(topic string, payload []byte) {
			s.pipeline.HandleMessage(topic, payload)
		},
		LegacyOwnerID: s.config.LegacyOwnerID,
		LegacyArea:    s.config.LegacyArea,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize topic registry: %w", err)
	}
	s.topics = registry

	pipeline, err := ingest.NewPipeline(&ingest.Config{
		Logger:    s.logger,
		Resolver:  registry,
		Store:     s.repo,
		Sessions:  s.sessions,
		Emitter:   s.bus,
		Cache:     s.cache,
		Metrics:   metrics.NewIngestMetrics(metricsNamespace),
		Workers:   s.config.Workers,
		QueueSize: s.config.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	s.pipeline = pipeline

	// Control engine
	controlEngine, err := control.NewEngine(&control.Config{
		Logger:          s.logger,
		Store:           s.repo,
		Sessions:        s.sessions,
		Cache:           s.cache,
		Transport:       s.transport,
		Emitter:         s.bus,
		Metrics:         metrics.NewControlMetrics(metricsNamespace),
		TickInterval:    s.config.TickInterval,
		FreshnessWindow: s.config.FreshnessWindow,
		SearchRadius:    s.config.SearchRadius,
		Tolerance:       s.config.Tolerance,
		DefaultTarget:   s.config.DefaultTarget,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize control engine: %w", err)
	}
	s.control = controlEngine

	// Start processing before connecting so no delivered message is lost.
	s.pipeline.Start(ctx)

	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	if topic := s.sessionTopic(); topic != "" {
		if err := s.transport.Subscribe(topic, 1, s.handleSessionMessage); err != nil {
			return fmt.Errorf("failed to subscribe to session topic: %w", err)
		}
	}

	go s.topics.Run(ctx)
	go s.control.Run(ctx)

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting metrics listener", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("metrics listener error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("engine server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("metrics listener error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown(cancel)
}

// Shutdown stops every component in reverse start order.
func (s *Server) Shutdown(cancel context.CancelFunc) error {
	s.logger.Info("shutting down engine server")

	var shutdownErr error

	if s.httpServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop metrics listener", "error", err)
			shutdownErr = fmt.Errorf("metrics listener shutdown error: %w", err)
		}
		done()
	}

	// Stop the workers and wait for in-flight messages to drain.
	cancel()
	if s.pipeline != nil {
		s.pipeline.Wait()
	}

	if s.transport != nil {
		s.logger.Info("closing broker connection")
		s.transport.Close()
	}

	if s.bus != nil {
		s.logger.Info("closing event bus")
		if err := s.bus.Close(); err != nil {
			s.logger.Error("failed to close event bus", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; event bus close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("event bus close error: %w", err)
			}
		}
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("engine server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("engine server shutdown completed successfully")
	return nil
}
