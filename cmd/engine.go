package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"climacore.dev/climacore/internal/engine"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the ingestion and control engine",
	Long: `Run the engine server that:
- Subscribes to sensor and actuator topics over MQTT
- Persists enriched measurements per active monitoring session
- Runs the spatial control loop and publishes actuator commands
- Emits scoped real-time events to RabbitMQ
- Serves Prometheus metrics over HTTP`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)

	// Broker flags
	engineCmd.Flags().String("broker-url", "tls://localhost:8883", "MQTT broker URL")
	engineCmd.Flags().String("client-id", "climacore-engine", "MQTT client ID prefix")
	engineCmd.Flags().String("broker-username", "", "MQTT username")
	engineCmd.Flags().String("broker-password", "", "MQTT password")
	engineCmd.Flags().String("ca-file", "", "PEM bundle to verify the broker certificate")
	engineCmd.Flags().String("cert-file", "", "client certificate file")
	engineCmd.Flags().String("key-file", "", "client certificate key file")
	engineCmd.Flags().Bool("insecure-skip-verify", false, "disable broker certificate verification")

	// Database flags
	engineCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	engineCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	engineCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	engineCmd.Flags().String("db-password", "", "PostgreSQL password")
	engineCmd.Flags().String("db-name", "climacore", "PostgreSQL database name")
	engineCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	// Event bus flags
	engineCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")

	// Session and legacy scoping
	engineCmd.Flags().String("session-topic", "climacore/sessions", "topic carrying session join/leave commands")
	engineCmd.Flags().Uint("legacy-owner-id", 1, "owner id for readings arriving on legacy topics")
	engineCmd.Flags().String("legacy-area", "default", "area code for readings arriving on legacy topics")

	// Control loop flags
	engineCmd.Flags().Duration("tick-interval", 0, "control tick interval (default 30s)")
	engineCmd.Flags().Duration("freshness-window", 0, "maximum reading age for control input (default 5m)")
	engineCmd.Flags().Float64("search-radius", 10.0, "sensor search radius around each actuator in meters")
	engineCmd.Flags().Float64("tolerance", 0.5, "hotspot/coldspot tolerance band in degrees")
	engineCmd.Flags().Float64("default-target", 22.0, "target temperature when no setpoint exists")

	// Pipeline flags
	engineCmd.Flags().Int("workers", 4, "ingestion worker count")
	engineCmd.Flags().Int("queue-size", 256, "inbound message queue capacity")

	// Metrics flags
	engineCmd.Flags().Int("metrics-port", 9090, "Prometheus metrics HTTP port")

	// Bind flags to viper
	_ = viper.BindPFlag("engine.mqtt.broker_url", engineCmd.Flags().Lookup("broker-url"))
	_ = viper.BindPFlag("engine.mqtt.client_id", engineCmd.Flags().Lookup("client-id"))
	_ = viper.BindPFlag("engine.mqtt.username", engineCmd.Flags().Lookup("broker-username"))
	_ = viper.BindPFlag("engine.mqtt.password", engineCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("engine.mqtt.ca_file", engineCmd.Flags().Lookup("ca-file"))
	_ = viper.BindPFlag("engine.mqtt.cert_file", engineCmd.Flags().Lookup("cert-file"))
	_ = viper.BindPFlag("engine.mqtt.key_file", engineCmd.Flags().Lookup("key-file"))
	_ = viper.BindPFlag("engine.mqtt.insecure_skip_verify", engineCmd.Flags().Lookup("insecure-skip-verify"))
	_ = viper.BindPFlag("engine.db.host", engineCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("engine.db.port", engineCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("engine.db.user", engineCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("engine.db.password", engineCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("engine.db.name", engineCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("engine.db.sslmode", engineCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("engine.rabbitmq.url", engineCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("engine.session_topic", engineCmd.Flags().Lookup("session-topic"))
	_ = viper.BindPFlag("engine.legacy.owner_id", engineCmd.Flags().Lookup("legacy-owner-id"))
	_ = viper.BindPFlag("engine.legacy.area", engineCmd.Flags().Lookup("legacy-area"))
	_ = viper.BindPFlag("engine.control.tick_interval", engineCmd.Flags().Lookup("tick-interval"))
	_ = viper.BindPFlag("engine.control.freshness_window", engineCmd.Flags().Lookup("freshness-window"))
	_ = viper.BindPFlag("engine.control.search_radius", engineCmd.Flags().Lookup("search-radius"))
	_ = viper.BindPFlag("engine.control.tolerance", engineCmd.Flags().Lookup("tolerance"))
	_ = viper.BindPFlag("engine.control.default_target", engineCmd.Flags().Lookup("default-target"))
	_ = viper.BindPFlag("engine.pipeline.workers", engineCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("engine.pipeline.queue_size", engineCmd.Flags().Lookup("queue-size"))
	_ = viper.BindPFlag("engine.metrics.port", engineCmd.Flags().Lookup("metrics-port"))
}

func runEngine(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting engine service")

	config := &engine.ServerConfig{
		Logger:             logger,
		BrokerURL:          viper.GetString("engine.mqtt.broker_url"),
		ClientID:           viper.GetString("engine.mqtt.client_id"),
		Username:           viper.GetString("engine.mqtt.username"),
		Password:           viper.GetString("engine.mqtt.password"),
		CAFile:             viper.GetString("engine.mqtt.ca_file"),
		CertFile:           viper.GetString("engine.mqtt.cert_file"),
		KeyFile:            viper.GetString("engine.mqtt.key_file"),
		InsecureSkipVerify: viper.GetBool("engine.mqtt.insecure_skip_verify"),
		DBHost:             viper.GetString("engine.db.host"),
		DBPort:             viper.GetInt("engine.db.port"),
		DBUser:             viper.GetString("engine.db.user"),
		DBPassword:         viper.GetString("engine.db.password"),
		DBName:             viper.GetString("engine.db.name"),
		DBSSLMode:          viper.GetString("engine.db.sslmode"),
		RabbitMQURL:        viper.GetString("engine.rabbitmq.url"),
		SessionTopic:       viper.GetString("engine.session_topic"),
		LegacyOwnerID:      viper.GetUint("engine.legacy.owner_id"),
		LegacyArea:         viper.GetString("engine.legacy.area"),
		TickInterval:       viper.GetDuration("engine.control.tick_interval"),
		FreshnessWindow:    viper.GetDuration("engine.control.freshness_window"),
		SearchRadius:       viper.GetFloat64("engine.control.search_radius"),
		Tolerance:          viper.GetFloat64("engine.control.tolerance"),
		DefaultTarget:      viper.GetFloat64("engine.control.default_target"),
		Workers:            viper.GetInt("engine.pipeline.workers"),
		QueueSize:          viper.GetInt("engine.pipeline.queue_size"),
		MetricsPort:        viper.GetInt("engine.metrics.port"),
	}

	server, err := engine.NewServer(config)
	if err != nil {
		logger.Error("failed to create engine server", "error", err)
		return err
	}

	logger.Info("engine server configuration",
		"broker_url", config.BrokerURL,
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"session_topic", config.SessionTopic,
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("engine server error", "error", err)
		return err
	}

	logger.Info("engine server stopped")
	return nil
}
