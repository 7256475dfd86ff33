package models

// MConfig Structure
type MConfig struct {
	Name      string            `yaml:"name"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	LogLevel  string            `yaml:"log_level"`
	LogFile   string            `yaml:"log_file"`
	GrpcHost  string            `yaml:"grpc_host"`
	GrpcPort  int               `yaml:"grpc_port"`
	Gateway   MGatewayConfig    `yaml:"gateway"`
	Hub       MHubConfig        `yaml:"hub"`
	Alerts    MAlertsConfig     `yaml:"alerts"`
	Storage   MStorageConfig    `yaml:"storage"`
	Cache     MCacheConfig      `yaml:"cache"`
	Kafka     MKafkaConfig      `yaml:"kafka"`
	Metrics   MMetricsConfig    `yaml:"metrics"`
	Markets   map[string]string `yaml:"markets"`
	Watchlist []string          `yaml:"watchlist"`
}

// MGatewayConfig describes the upstream gateway bridge session.
type MGatewayConfig struct {
	URL                      string `yaml:"url"`
	ClientID                 int    `yaml:"client_id"`
	Exchange                 string `yaml:"exchange"`
	Currency                 string `yaml:"currency"`
	ConnectTimeoutSeconds    int    `yaml:"connect_timeout_seconds"`
	WriteTimeoutSeconds      int    `yaml:"write_timeout_seconds"`
	PingIntervalSeconds      int    `yaml:"ping_interval_seconds"`
	PongTimeoutSeconds       int    `yaml:"pong_timeout_seconds"`
	ReconnectBaseSeconds     int    `yaml:"reconnect_base_seconds"`
	ReconnectMaxSeconds      int    `yaml:"reconnect_max_seconds"`
	MaxReconnectAttempts     int    `yaml:"max_reconnect_attempts"`
	HistoricalTimeoutSeconds int    `yaml:"historical_timeout_seconds"`
	EventBuffer              int    `yaml:"event_buffer"`
}

type MHubConfig struct {
	SendBuffer        int      `yaml:"send_buffer"`
	MaxMessageBytes   int64    `yaml:"max_message_bytes"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	MaxSymbolsPerCall int      `yaml:"max_symbols_per_call"`
}

type MAlertsConfig struct {
	RetentionMinutes     int `yaml:"retention_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	HistorySize          int `yaml:"history_size"`
}

type MStorageConfig struct {
	DBType               string `yaml:"db_type"`
	DBPath               string `yaml:"db_path"`
	DBConnectionString   string `yaml:"db_connection_string"`
	SnapshotRetentionDay int    `yaml:"snapshot_retention_days"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
}

type MCacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type MKafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	AlertTopic string   `yaml:"alert_topic"`
	MaxRetries int      `yaml:"max_retries"`
}

type MMetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}
