package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
)

// maskedSecret replaces secrets in String output.
const maskedSecret = "********"

// Config is the root configuration structure for the Plejd bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Plejd    PlejdConfig    `yaml:"plejd"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BridgeConfig identifies the bridge on the message bus.
type BridgeConfig struct {
	ID             string `yaml:"id"`
	HealthInterval int    `yaml:"health_interval"` // seconds
}

// PlejdConfig contains the mesh, account and pacing settings.
type PlejdConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// SiteID selects one site of the account. Optional when the account
	// has a single site.
	SiteID string `yaml:"site_id"`

	// CryptoKey, when set, is used instead of the account lookup.
	CryptoKey string `yaml:"crypto_key"`

	CloudURL       string  `yaml:"cloud_url"`
	ScanTimeout    int     `yaml:"scan_timeout"` // seconds
	ConnectRetry   bool    `yaml:"connect_retry"`
	HealthInterval int     `yaml:"health_interval"`  // seconds
	BusyRetryDelay float64 `yaml:"busy_retry_delay"` // seconds
	WriteRate      float64 `yaml:"write_rate"`       // frames per second, 0 = unlimited
	WriteBurst     int     `yaml:"write_burst"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"` // seconds
	MaxDelay     int `yaml:"max_delay"`     // seconds
}

// InfluxDBConfig contains InfluxDB settings for mesh event telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   LoggingFileConfig `yaml:"file"`
}

// LoggingFileConfig contains rotation settings for file output.
type LoggingFileConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_PLEJD_PASSWORD, GRAYLOGIC_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults and environment only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "plejd-bridge-01",
			HealthInterval: 30,
		},
		Plejd: PlejdConfig{
			CloudURL:       "https://cloud.plejd.com",
			ScanTimeout:    3,
			ConnectRetry:   true,
			HealthInterval: 5,
			BusyRetryDelay: 1,
			WriteBurst:     1,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-plejd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "graylogic",
			Bucket:        "plejd",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: LoggingFileConfig{
				Path:       "./logs/plejd-bridge.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
		Metrics: MetricsConfig{
			Listen: ":9102",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Plejd account and mesh
	if v := os.Getenv("GRAYLOGIC_PLEJD_USERNAME"); v != "" {
		cfg.Plejd.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_PLEJD_PASSWORD"); v != "" {
		cfg.Plejd.Password = v
	}
	if v := os.Getenv("GRAYLOGIC_PLEJD_SITE_ID"); v != "" {
		cfg.Plejd.SiteID = v
	}
	if v := os.Getenv("GRAYLOGIC_PLEJD_CRYPTO_KEY"); v != "" {
		cfg.Plejd.CryptoKey = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Every problem is reported, not only the first.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}

	errs = append(errs, c.Plejd.validate()...)

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			errs = append(errs, "logging.file.path is required for file output")
		}
	default:
		errs = append(errs, "logging.output must be stdout, stderr or file")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (p PlejdConfig) validate() []string {
	var errs []string

	if p.CryptoKey != "" {
		if _, err := plejd.ParseCryptoKey(p.CryptoKey); err != nil {
			errs = append(errs, "plejd.crypto_key must be 32 hex digits")
		}
	} else if p.Username == "" || p.Password == "" {
		errs = append(errs, "plejd.username and plejd.password are required without plejd.crypto_key (set GRAYLOGIC_PLEJD_USERNAME and GRAYLOGIC_PLEJD_PASSWORD)")
	}

	if p.SiteID != "" {
		if _, err := uuid.Parse(p.SiteID); err != nil {
			errs = append(errs, "plejd.site_id must be a UUID")
		}
	}

	if p.ScanTimeout < 1 {
		errs = append(errs, "plejd.scan_timeout must be at least 1 second")
	}
	if p.HealthInterval < 1 {
		errs = append(errs, "plejd.health_interval must be at least 1 second")
	}
	if p.BusyRetryDelay < 0 {
		errs = append(errs, "plejd.busy_retry_delay must not be negative")
	}
	if p.WriteRate < 0 {
		errs = append(errs, "plejd.write_rate must not be negative")
	}
	if p.WriteBurst < 0 {
		errs = append(errs, "plejd.write_burst must not be negative")
	}

	return errs
}

// String renders the configuration as YAML with secrets masked.
func (c Config) String() string {
	masked := c
	masked.Plejd.Password = mask(c.Plejd.Password)
	masked.Plejd.CryptoKey = mask(c.Plejd.CryptoKey)
	masked.MQTT.Auth.Password = mask(c.MQTT.Auth.Password)
	masked.InfluxDB.Token = mask(c.InfluxDB.Token)

	out, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return maskedSecret
}

// GetBridgeHealthInterval returns the health publish interval as a Duration.
func (c *Config) GetBridgeHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetScanTimeout returns the BLE scan duration as a Duration.
func (c *Config) GetScanTimeout() time.Duration {
	return time.Duration(c.Plejd.ScanTimeout) * time.Second
}

// GetMeshHealthInterval returns the mesh ping interval as a Duration.
func (c *Config) GetMeshHealthInterval() time.Duration {
	return time.Duration(c.Plejd.HealthInterval) * time.Second
}

// GetBusyRetryDelay returns the busy-gateway retry delay as a Duration.
func (c *Config) GetBusyRetryDelay() time.Duration {
	return time.Duration(c.Plejd.BusyRetryDelay * float64(time.Second))
}
