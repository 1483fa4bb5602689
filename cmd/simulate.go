package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"climacore.dev/climacore/internal/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the sensor fleet simulator",
	Long: `Run the simulator that:
- Generates synthetic sensor readings with realistic daily patterns
- Publishes legacy-format payloads over MQTT
- Supports a configurable fleet size and cadence`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("broker-url", "tcp://localhost:1883", "MQTT broker URL")
	simulateCmd.Flags().String("client-id", "climacore-sim", "MQTT client ID prefix")
	simulateCmd.Flags().String("broker-username", "", "MQTT username")
	simulateCmd.Flags().String("broker-password", "", "MQTT password")
	simulateCmd.Flags().String("ca-file", "", "PEM bundle to verify the broker certificate")
	simulateCmd.Flags().Bool("insecure-skip-verify", false, "disable broker certificate verification")
	simulateCmd.Flags().Int("fleet-size", 5, "number of simulated devices")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "interval between publish rounds")

	// Bind flags to viper
	_ = viper.BindPFlag("simulate.mqtt.broker_url", simulateCmd.Flags().Lookup("broker-url"))
	_ = viper.BindPFlag("simulate.mqtt.client_id", simulateCmd.Flags().Lookup("client-id"))
	_ = viper.BindPFlag("simulate.mqtt.username", simulateCmd.Flags().Lookup("broker-username"))
	_ = viper.BindPFlag("simulate.mqtt.password", simulateCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("simulate.mqtt.ca_file", simulateCmd.Flags().Lookup("ca-file"))
	_ = viper.BindPFlag("simulate.mqtt.insecure_skip_verify", simulateCmd.Flags().Lookup("insecure-skip-verify"))
	_ = viper.BindPFlag("simulate.fleet_size", simulateCmd.Flags().Lookup("fleet-size"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	config := &simulator.ServerConfig{
		Logger:             logger,
		BrokerURL:          viper.GetString("simulate.mqtt.broker_url"),
		ClientID:           viper.GetString("simulate.mqtt.client_id"),
		Username:           viper.GetString("simulate.mqtt.username"),
		Password:           viper.GetString("simulate.mqtt.password"),
		CAFile:             viper.GetString("simulate.mqtt.ca_file"),
		InsecureSkipVerify: viper.GetBool("simulate.mqtt.insecure_skip_verify"),
		FleetSize:          viper.GetInt("simulate.fleet_size"),
		Interval:           viper.GetDuration("simulate.interval"),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator server configuration",
		"broker_url", config.BrokerURL,
		"fleet_size", config.FleetSize,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}
