package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/feed"
	"golang-tick-hub/internal/hub"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/tick"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Database Configuration
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Broker REST API
	Broker BrokerConfig `yaml:"broker" json:"broker"`

	// Upstream market data feed
	Feed FeedConfig `yaml:"feed" json:"feed"`

	// Session validation and fan-out
	Hub HubConfig `yaml:"hub" json:"hub"`

	// Application Settings
	App AppConfig `yaml:"app" json:"app"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string        `yaml:"port" json:"port"`
	Host           string        `yaml:"host" json:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
}

// PostgresConfig holds the order journal connection. An empty URL keeps the
// journal in memory.
type PostgresConfig struct {
	URL          string `yaml:"url" json:"url"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// RedisConfig holds the shared status cache connection. An empty URL keeps
// the cache in process memory.
type RedisConfig struct {
	URL string `yaml:"url" json:"url"`
}

// SQLiteConfig holds the instrument store location
type SQLiteConfig struct {
	Path           string `yaml:"path" json:"path"`
	InstrumentsURL string `yaml:"instruments_url" json:"instruments_url"`
}

// BrokerConfig holds broker REST configuration
type BrokerConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	APIKey       string        `yaml:"api_key" json:"-"`
	APISecret    string        `yaml:"api_secret" json:"-"`
	LoginURL     string        `yaml:"login_url" json:"login_url"`
	StatusPath   string        `yaml:"status_path" json:"status_path"`
	ValidatePath string        `yaml:"validate_path" json:"validate_path"`
	OrdersPath   string        `yaml:"orders_path" json:"orders_path"`
	TokenPath    string        `yaml:"token_path" json:"token_path"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// FeedConfig holds upstream ticker configuration
type FeedConfig struct {
	URL              string        `yaml:"url" json:"url"`
	AccessToken      string        `yaml:"access_token" json:"-"`
	Mode             string        `yaml:"mode" json:"mode"`
	TickBuffer       int           `yaml:"tick_buffer" json:"tick_buffer"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval" json:"ping_interval"`
}

// HubConfig holds session validation and fan-out tuning
type HubConfig struct {
	RoutineInterval      time.Duration `yaml:"routine_interval" json:"routine_interval"`
	CriticalInterval     time.Duration `yaml:"critical_interval" json:"critical_interval"`
	CheckFrequency       time.Duration `yaml:"check_frequency" json:"check_frequency"`
	CheckTimeout         time.Duration `yaml:"check_timeout" json:"check_timeout"`
	QueueDepth           int           `yaml:"queue_depth" json:"queue_depth"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff" json:"reconnect_backoff"`
	MaxReconnectBackoff  time.Duration `yaml:"max_reconnect_backoff" json:"max_reconnect_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	LoginURL             string        `yaml:"login_url" json:"login_url"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment      string `yaml:"environment" json:"environment"`
	Debug            bool   `yaml:"debug" json:"debug"`
	AutoSessionToken string `yaml:"auto_session_token" json:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				MaxOpenConns: 25,
				MaxIdleConns: 5,
			},
			SQLite: SQLiteConfig{
				Path: "configs/instruments.db",
			},
		},
		Broker: BrokerConfig{
			BaseURL:      "http://localhost:3000",
			LoginURL:     broker.DefaultLoginURL,
			StatusPath:   "/api/session/status",
			ValidatePath: "/api/session/validate",
			OrdersPath:   "/orders/regular",
			TokenPath:    "/session/token",
			Timeout:      10 * time.Second,
		},
		Feed: FeedConfig{
			URL:              "wss://ws.kite.trade",
			Mode:             string(tick.ModeFull),
			TickBuffer:       4096,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Hub: HubConfig{
			RoutineInterval:      30 * time.Second,
			CriticalInterval:     30 * time.Second,
			CheckFrequency:       5 * time.Minute,
			CheckTimeout:         10 * time.Second,
			QueueDepth:           256,
			ReconnectBackoff:     time.Second,
			MaxReconnectBackoff:  30 * time.Second,
			MaxReconnectAttempts: 10,
			LoginURL:             "/login",
		},
		App: AppConfig{
			Environment: "development",
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file, then
// environment variables
func Load() (*Config, error) {
	// Try to load .env files in order of preference
	envFiles := []string{
		"configs/production.env",
		"configs/tickhub.env",
		".env",
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				break // Successfully loaded
			}
		}
	}

	config := Default()

	yamlPath := getEnvOrDefault("TICKHUB_CONFIG", "")
	if yamlPath == "" {
		if _, err := os.Stat("configs/tickhub.yaml"); err == nil {
			yamlPath = "configs/tickhub.yaml"
		}
	}
	if yamlPath != "" {
		if err := config.loadYAML(yamlPath); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvOrDefault("WS_PORT", getEnvOrDefault("PORT", c.Server.Port))
	c.Server.Host = getEnvOrDefault("HOST", c.Server.Host)
	c.Server.ReadTimeout = getDurationOrDefault("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationOrDefault("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getDurationOrDefault("IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.AllowedOrigins = getListOrDefault("CORS_ORIGINS", c.Server.AllowedOrigins)

	c.Database.Postgres.URL = getEnvOrDefault("POSTGRES_URL", c.Database.Postgres.URL)
	c.Database.Postgres.MaxOpenConns = getIntOrDefault("POSTGRES_MAX_OPEN_CONNS", c.Database.Postgres.MaxOpenConns)
	c.Database.Postgres.MaxIdleConns = getIntOrDefault("POSTGRES_MAX_IDLE_CONNS", c.Database.Postgres.MaxIdleConns)
	c.Database.Redis.URL = getEnvOrDefault("REDIS_URL", c.Database.Redis.URL)
	c.Database.SQLite.Path = getEnvOrDefault("INSTRUMENT_DB", c.Database.SQLite.Path)
	c.Database.SQLite.InstrumentsURL = getEnvOrDefault("INSTRUMENTS_URL", c.Database.SQLite.InstrumentsURL)

	c.Broker.BaseURL = getEnvOrDefault("BROKER_API_URL", c.Broker.BaseURL)
	c.Broker.APIKey = getEnvOrDefault("KITE_API_KEY", c.Broker.APIKey)
	c.Broker.APISecret = getEnvOrDefault("KITE_API_SECRET", c.Broker.APISecret)
	c.Broker.LoginURL = getEnvOrDefault("KITE_LOGIN_URL", c.Broker.LoginURL)
	c.Broker.StatusPath = getEnvOrDefault("BROKER_STATUS_PATH", c.Broker.StatusPath)
	c.Broker.ValidatePath = getEnvOrDefault("BROKER_VALIDATE_PATH", c.Broker.ValidatePath)
	c.Broker.OrdersPath = getEnvOrDefault("BROKER_ORDERS_PATH", c.Broker.OrdersPath)
	c.Broker.TokenPath = getEnvOrDefault("BROKER_TOKEN_PATH", c.Broker.TokenPath)
	c.Broker.Timeout = getDurationOrDefault("BROKER_TIMEOUT", c.Broker.Timeout)

	c.Feed.URL = getEnvOrDefault("KITE_WS_URL", c.Feed.URL)
	c.Feed.AccessToken = getEnvOrDefault("KITE_ACCESS_TOKEN", c.Feed.AccessToken)
	c.Feed.Mode = strings.ToLower(getEnvOrDefault("TICK_MODE", c.Feed.Mode))
	c.Feed.TickBuffer = getIntOrDefault("TICK_BUFFER", c.Feed.TickBuffer)
	c.Feed.HandshakeTimeout = getDurationOrDefault("FEED_HANDSHAKE_TIMEOUT", c.Feed.HandshakeTimeout)
	c.Feed.PingInterval = getDurationOrDefault("FEED_PING_INTERVAL", c.Feed.PingInterval)

	c.Hub.RoutineInterval = getDurationOrDefault("ROUTINE_INTERVAL", c.Hub.RoutineInterval)
	c.Hub.CriticalInterval = getDurationOrDefault("CRITICAL_INTERVAL", c.Hub.CriticalInterval)
	c.Hub.CheckFrequency = getDurationOrDefault("CHECK_FREQUENCY", c.Hub.CheckFrequency)
	c.Hub.CheckTimeout = getDurationOrDefault("CHECK_TIMEOUT", c.Hub.CheckTimeout)
	c.Hub.QueueDepth = getIntOrDefault("QUEUE_DEPTH", c.Hub.QueueDepth)
	c.Hub.ReconnectBackoff = getDurationOrDefault("RECONNECT_BACKOFF", c.Hub.ReconnectBackoff)
	c.Hub.MaxReconnectBackoff = getDurationOrDefault("MAX_RECONNECT_BACKOFF", c.Hub.MaxReconnectBackoff)
	c.Hub.MaxReconnectAttempts = getIntOrDefault("MAX_RECONNECT_ATTEMPTS", c.Hub.MaxReconnectAttempts)
	c.Hub.LoginURL = getEnvOrDefault("LOGIN_URL", c.Hub.LoginURL)

	c.App.Environment = getEnvOrDefault("ENVIRONMENT", c.App.Environment)
	c.App.Debug = getBoolOrDefault("DEBUG", c.App.Debug)
	c.App.AutoSessionToken = getEnvOrDefault("AUTO_SESSION_TOKEN", c.App.AutoSessionToken)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker API URL is required")
	}

	if c.Feed.URL == "" {
		return fmt.Errorf("feed URL is required")
	}

	switch tick.Mode(c.Feed.Mode) {
	case tick.ModeLTP, tick.ModeQuote, tick.ModeFull:
	default:
		return fmt.Errorf("unknown tick mode %q", c.Feed.Mode)
	}

	if c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path is required")
	}

	// Validate hub intervals
	if c.Hub.RoutineInterval <= 0 || c.Hub.CriticalInterval <= 0 {
		return fmt.Errorf("validation intervals must be positive")
	}

	if c.Hub.CheckFrequency <= 0 || c.Hub.CheckTimeout <= 0 {
		return fmt.Errorf("check frequency and timeout must be positive")
	}

	if c.Hub.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive")
	}

	if c.Hub.ReconnectBackoff <= 0 || c.Hub.MaxReconnectBackoff < c.Hub.ReconnectBackoff {
		return fmt.Errorf("reconnect backoff must be positive and not exceed the maximum")
	}

	if c.Hub.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return strings.ToLower(c.App.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.App.Environment) == "development"
}

// Address returns the HTTP listen address
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}

// BrokerClientConfig returns the broker client settings
func (c *Config) BrokerClientConfig() broker.Config {
	return broker.Config{
		BaseURL:      c.Broker.BaseURL,
		APIKey:       c.Broker.APIKey,
		APISecret:    c.Broker.APISecret,
		LoginURL:     c.Broker.LoginURL,
		StatusPath:   c.Broker.StatusPath,
		ValidatePath: c.Broker.ValidatePath,
		OrdersPath:   c.Broker.OrdersPath,
		TokenPath:    c.Broker.TokenPath,
		Timeout:      c.Broker.Timeout,
	}
}

// FeedAdapterConfig returns the upstream feed settings
func (c *Config) FeedAdapterConfig() feed.Config {
	return feed.Config{
		URL:              c.Feed.URL,
		APIKey:           c.Broker.APIKey,
		AccessToken:      c.Feed.AccessToken,
		Mode:             tick.Mode(c.Feed.Mode),
		TickBuffer:       c.Feed.TickBuffer,
		HandshakeTimeout: c.Feed.HandshakeTimeout,
		PingInterval:     c.Feed.PingInterval,
	}
}

// SessionOptions returns the validator timing settings
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		RoutineInterval:  c.Hub.RoutineInterval,
		CriticalInterval: c.Hub.CriticalInterval,
		CheckFrequency:   c.Hub.CheckFrequency,
		CheckTimeout:     c.Hub.CheckTimeout,
	}
}

// HubOptions returns the fan-out settings
func (c *Config) HubOptions() hub.Options {
	return hub.Options{
		QueueDepth:           c.Hub.QueueDepth,
		ReconnectBackoff:     c.Hub.ReconnectBackoff,
		MaxReconnectBackoff:  c.Hub.MaxReconnectBackoff,
		MaxReconnectAttempts: c.Hub.MaxReconnectAttempts,
		LoginURL:             c.Hub.LoginURL,
	}
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
