package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"market-relay/src/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

const (
	DefaultName                     = "market-relay"
	DefaultHost                     = "0.0.0.0"
	DefaultPort                     = 8765
	DefaultLogLevel                 = "INFO"
	DefaultGrpcHost                 = "127.0.0.1"
	DefaultGrpcPort                 = 50051
	DefaultGatewayURL               = "ws://127.0.0.1:4002/v1/api/ws"
	DefaultExchange                 = "SMART"
	DefaultCurrency                 = "USD"
	DefaultConnectTimeoutSeconds    = 10
	DefaultWriteTimeoutSeconds      = 5
	DefaultPingIntervalSeconds      = 20
	DefaultPongTimeoutSeconds       = 60
	DefaultReconnectBaseSeconds     = 1
	DefaultReconnectMaxSeconds      = 30
	DefaultMaxReconnectAttempts     = 10
	DefaultHistoricalTimeoutSeconds = 30
	DefaultEventBuffer              = 1024
	DefaultSendBuffer               = 256
	DefaultMaxMessageBytes          = 1 << 20
	DefaultMaxSymbolsPerCall        = 100
	DefaultRetentionMinutes         = 60
	DefaultSweepIntervalSeconds     = 60
	DefaultHistorySize              = 50
	DefaultDBType                   = "sqlite"
	DefaultDBPath                   = "market_relay.db"
	DefaultSnapshotRetentionDays    = 7
	DefaultFlushIntervalSeconds     = 2
	DefaultCachePrefix              = "relay:snapshot:"
	DefaultCacheTTLSeconds          = 86400
	DefaultAlertTopic               = "relay.alerts"
	DefaultKafkaMaxRetries          = 3
	DefaultMetricsNamespace         = "market_relay"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new Config from a YAML file. A .env file next to the
// config (or in the working directory) is loaded first so that ${VAR}
// references in the YAML can be resolved from it.
func NewConfig(configPath string) (*Config, error) {
	// 1. Load optional .env files; missing files are fine
	for _, envFile := range []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"} {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file '%s': %w", envFile, err)
		}
	}

	// 2. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	return Parse(data)
}

// -----------------------------------------------------------------------------

// Parse expands environment references, unmarshals, applies defaults and
// validates a YAML document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var modelConfig models.MConfig
	if err := yaml.Unmarshal([]byte(expanded), &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// Default returns a validated configuration with every default applied.
func Default() *Config {
	c := &Config{MConfig: &models.MConfig{}}
	c.applyDefaults()
	return c
}

// -----------------------------------------------------------------------------

func (c *Config) applyDefaults() {
	setString(&c.Name, DefaultName)
	setString(&c.Host, DefaultHost)
	setInt(&c.Port, DefaultPort)
	setString(&c.LogLevel, DefaultLogLevel)
	setString(&c.GrpcHost, DefaultGrpcHost)
	setInt(&c.GrpcPort, DefaultGrpcPort)

	g := &c.Gateway
	setString(&g.URL, DefaultGatewayURL)
	setString(&g.Exchange, DefaultExchange)
	setString(&g.Currency, DefaultCurrency)
	setInt(&g.ConnectTimeoutSeconds, DefaultConnectTimeoutSeconds)
	setInt(&g.WriteTimeoutSeconds, DefaultWriteTimeoutSeconds)
	setInt(&g.PingIntervalSeconds, DefaultPingIntervalSeconds)
	setInt(&g.PongTimeoutSeconds, DefaultPongTimeoutSeconds)
	setInt(&g.ReconnectBaseSeconds, DefaultReconnectBaseSeconds)
	setInt(&g.ReconnectMaxSeconds, DefaultReconnectMaxSeconds)
	setInt(&g.MaxReconnectAttempts, DefaultMaxReconnectAttempts)
	setInt(&g.HistoricalTimeoutSeconds, DefaultHistoricalTimeoutSeconds)
	setInt(&g.EventBuffer, DefaultEventBuffer)

	setInt(&c.Hub.SendBuffer, DefaultSendBuffer)
	if c.Hub.MaxMessageBytes == 0 {
		c.Hub.MaxMessageBytes = DefaultMaxMessageBytes
	}
	setInt(&c.Hub.MaxSymbolsPerCall, DefaultMaxSymbolsPerCall)

	setInt(&c.Alerts.RetentionMinutes, DefaultRetentionMinutes)
	setInt(&c.Alerts.SweepIntervalSeconds, DefaultSweepIntervalSeconds)
	setInt(&c.Alerts.HistorySize, DefaultHistorySize)

	setString(&c.Storage.DBType, DefaultDBType)
	if c.Storage.DBType == "sqlite" {
		setString(&c.Storage.DBPath, DefaultDBPath)
	}
	setInt(&c.Storage.SnapshotRetentionDay, DefaultSnapshotRetentionDays)
	setInt(&c.Storage.FlushIntervalSeconds, DefaultFlushIntervalSeconds)

	setString(&c.Cache.Prefix, DefaultCachePrefix)
	setInt(&c.Cache.TTLSeconds, DefaultCacheTTLSeconds)

	setString(&c.Kafka.AlertTopic, DefaultAlertTopic)
	setInt(&c.Kafka.MaxRetries, DefaultKafkaMaxRetries)

	setString(&c.Metrics.Namespace, DefaultMetricsNamespace)
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	// Validate App configuration (Flattened)
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration (Flattened)
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort < 0 || c.GrpcPort > 65535 {
		return fmt.Errorf("invalid grpc port number: %d", c.GrpcPort)
	}

	// Validate Gateway configuration
	u, err := url.Parse(c.Gateway.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("gateway url must be a ws:// or wss:// address, got '%s'", c.Gateway.URL)
	}
	if c.Gateway.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts cannot be negative")
	}
	if c.Gateway.ReconnectMaxSeconds < c.Gateway.ReconnectBaseSeconds {
		return fmt.Errorf("reconnect max (%ds) must not be below reconnect base (%ds)",
			c.Gateway.ReconnectMaxSeconds, c.Gateway.ReconnectBaseSeconds)
	}
	if c.Gateway.HistoricalTimeoutSeconds <= 0 {
		return fmt.Errorf("historical timeout must be greater than 0")
	}
	if c.Gateway.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be greater than 0")
	}

	// Validate Hub configuration
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("client send buffer must be greater than 0")
	}

	// Validate Storage configuration
	switch c.Storage.DBType {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Storage.DBType)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache address cannot be empty when cache is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required when kafka is enabled")
	}

	for i, symbol := range c.Watchlist {
		if symbol == "" {
			return fmt.Errorf("watchlist entry %d cannot be empty", i)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
