// Gray Logic Plejd Bridge
//
// This is the main entry point for the Plejd bridge. It connects a Plejd
// Bluetooth mesh to the Gray Logic MQTT bus:
//   - Mesh state and events are published as JSON on graylogic/state|event/plejd/...
//   - Commands on graylogic/command/plejd/{address} are written to the mesh
//   - Health is published on graylogic/health/plejd
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd/ble"
	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd/cloud"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Plejd bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "closing log file: %v\n", closeErr)
		}
	}()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)
	log.Debug("effective configuration", "config", cfg.String())

	// Connect to MQTT broker with the bridge's offline LWT
	will, err := lastWill(cfg.Bridge.ID)
	if err != nil {
		return err
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, will)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var (
		events       plejd.EventWriter
		influxClient *influxdb.Client
	)
	if cfg.InfluxDB.Enabled {
		var connErr error
		influxClient, connErr = influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		events = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Metrics registry (optional)
	var (
		registry *prometheus.Registry
		recorder plejd.Recorder
	)
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
		recorder = metrics.NewRecorder(registry)
	}

	// Mesh connection
	sup, err := newSupervisor(cfg, recorder, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("disconnecting from mesh")
		if closeErr := sup.Close(); closeErr != nil {
			log.Error("error closing mesh connection", "error", closeErr)
		}
	}()

	if err := sup.Connect(ctx, cfg.GetScanTimeout(), cfg.Plejd.ConnectRetry); err != nil {
		return fmt.Errorf("connecting to mesh: %w", err)
	}
	if gw, ok := sup.Gateway(); ok {
		log.Info("mesh connected", "gateway", gw.MAC.String(), "rssi", gw.RSSI)
	}

	dispatcher := plejd.NewDispatcher(plejd.DispatcherOptions{
		Supervisor:     sup,
		BusyRetryDelay: cfg.GetBusyRetryDelay(),
		WriteRate:      cfg.Plejd.WriteRate,
		WriteBurst:     cfg.Plejd.WriteBurst,
		Logger:         log.With("component", "dispatcher"),
	})
	defer func() {
		if closeErr := dispatcher.Close(); closeErr != nil {
			log.Error("error closing dispatcher", "error", closeErr)
		}
	}()

	// Start the MQTT bridge
	bridge, err := plejd.NewBridge(plejd.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		HealthInterval: cfg.GetBridgeHealthInterval(),
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Mesh:           sup,
		Commands:       dispatcher,
		Bus:            sup.Bus(),
		Events:         events,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// Retained state may have been lost with the broker session.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.ClearStateCache()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	g, gctx := errgroup.WithContext(ctx)
	if registry != nil {
		metrics.RegisterDispatcher(registry, dispatcher)
		metrics.RegisterDroppedEvents(registry, bridge.DroppedEvents)
		if influxClient != nil {
			metrics.RegisterTelemetry(registry, influxClient)
		}
		server := metrics.NewServer(cfg.Metrics.Listen, registry)
		g.Go(func() error {
			return server.Run(gctx)
		})
		log.Info("metrics endpoint listening", "listen", cfg.Metrics.Listen)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// bridge, dispatcher, mesh, InfluxDB (if enabled), MQTT, log file.

	log.Info("Plejd bridge stopped")
	return nil
}

// newSupervisor builds the mesh supervisor. The cloud account is used only
// when no crypto key is configured.
func newSupervisor(cfg *config.Config, recorder plejd.Recorder, log *logging.Logger) (*plejd.Supervisor, error) {
	var account plejd.AccountService
	if cfg.Plejd.CryptoKey == "" {
		client, err := cloud.New(cloud.Config{
			BaseURL:  cfg.Plejd.CloudURL,
			Username: cfg.Plejd.Username,
			Password: cfg.Plejd.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("creating Plejd account client: %w", err)
		}
		account = client
	}

	return plejd.NewSupervisor(plejd.SupervisorOptions{
		Transport:      ble.New(nil),
		Account:        account,
		SiteID:         cfg.Plejd.SiteID,
		CryptoKey:      cfg.Plejd.CryptoKey,
		ScanTimeout:    cfg.GetScanTimeout(),
		HealthInterval: cfg.GetMeshHealthInterval(),
		Logger:         log.With("component", "plejd"),
		Recorder:       recorder,
	}), nil
}

// lastWill builds the LWT the broker publishes if the bridge dies.
func lastWill(bridgeID string) (*mqtt.Will, error) {
	payload, err := json.Marshal(plejd.NewLWTMessage(bridgeID))
	if err != nil {
		return nil, fmt.Errorf("encoding LWT: %w", err)
	}
	return &mqtt.Will{
		Topic:    plejd.HealthTopic(),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, nil
}

// getConfigPath returns the configuration file path.
//
// GRAYLOGIC_CONFIG must name an existing file when set. Without it the
// default path is used if present; otherwise "" selects defaults plus
// environment variables.
func getConfigPath() (string, error) {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path, nil
	}
	if _, err := os.Stat(defaultConfigPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("checking config file: %w", err)
	}
	return defaultConfigPath, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements plejd.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements plejd.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Bridge handlers report their own failures as acks
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements plejd.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements plejd.MQTTClient.
// The MQTT client lifecycle is owned by run's defer chain, so this is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {}
