// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets so they never need to live in the YAML file.
const (
	EnvDatabaseDSN = "GESTION360_DATABASE_DSN"
	EnvVerifyToken = "WABA_VERIFY_TOKEN"
	EnvJWTSecret   = "GESTION360_JWT_SECRET"
)

// APIServerConfig configures the HTTP surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour. An empty DSN selects
// the in-memory quota store.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// Enabled reports whether a PostgreSQL DSN is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// QuotaConfig bounds quota counter transactions.
type QuotaConfig struct {
	LockTimeout time.Duration `yaml:"lockTimeout"`
	TxTimeout   time.Duration `yaml:"txTimeout"`
	MaxAttempts uint          `yaml:"maxAttempts"`
}

// RealtimeConfig tunes observer connections and the pending buffer.
type RealtimeConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	InactivityTimeout  time.Duration `yaml:"inactivityTimeout"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
	ReplayLimit        int           `yaml:"replayLimit"`
	PendingCapacity    int           `yaml:"pendingCapacity"`
	PendingRetention   time.Duration `yaml:"pendingRetention"`
	PendingMaxAttempts int           `yaml:"pendingMaxAttempts"`
	// FrameWriteTimeout bounds one frame write to an observer. Broadcasts run on the webhook
	// path, so a stalled observer delays the acknowledgement by at most this much.
	FrameWriteTimeout time.Duration `yaml:"frameWriteTimeout"`
}

// WhatsAppConfig configures webhook verification and outbound sends. Per-account credentials
// live in the WHATSAPP quota record, not here.
type WhatsAppConfig struct {
	VerifyToken    string        `yaml:"verifyToken"`
	GraphBaseURL   string        `yaml:"graphBaseURL"`
	SendTimeout    time.Duration `yaml:"sendTimeout"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	Burst          int           `yaml:"burst"`
	MaxAttempts    uint          `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
}

// AuthConfig configures the bearer-token guard. An empty secret disables the guard, which is
// only accepted in the dev environment.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
}

// Enabled reports whether bearer tokens are verified.
func (c AuthConfig) Enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// HistoryConfig controls how long the message history is kept.
type HistoryConfig struct {
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// LoggingConfig selects the structured logger level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JSON reports whether log lines are emitted as JSON.
func (c LoggingConfig) JSON() bool {
	return c.Format == "json"
}

// AppConfig is the unified gestion360 application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Database    DatabaseConfig  `yaml:"database"`
	Quota       QuotaConfig     `yaml:"quota"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	WhatsApp    WhatsAppConfig  `yaml:"whatsapp"`
	History     HistoryConfig   `yaml:"history"`
	Auth        AuthConfig      `yaml:"auth"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns a normalised development configuration.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.Telemetry.EnableMetrics = true
	cfg.applyEnvOverrides()
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist. The
// boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = Default()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) applyEnvOverrides() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if token := strings.TrimSpace(os.Getenv(EnvVerifyToken)); token != "" {
		c.WhatsApp.VerifyToken = token
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 5 * time.Second
	}
	origins := make([]string, 0, len(c.APIServer.AllowedOrigins))
	for _, origin := range c.APIServer.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.APIServer.AllowedOrigins = origins

	c.Database.applyDefaults()

	if c.Quota.LockTimeout <= 0 {
		c.Quota.LockTimeout = 5 * time.Second
	}
	if c.Quota.TxTimeout <= 0 {
		c.Quota.TxTimeout = 10 * time.Second
	}
	if c.Quota.MaxAttempts == 0 {
		c.Quota.MaxAttempts = 4
	}

	if c.Realtime.HeartbeatInterval <= 0 {
		c.Realtime.HeartbeatInterval = 25 * time.Second
	}
	if c.Realtime.InactivityTimeout <= 0 {
		c.Realtime.InactivityTimeout = 10 * time.Minute
	}
	if c.Realtime.SweepInterval <= 0 {
		c.Realtime.SweepInterval = 30 * time.Second
	}
	if c.Realtime.ReplayLimit <= 0 {
		c.Realtime.ReplayLimit = 50
	}
	if c.Realtime.PendingCapacity <= 0 {
		c.Realtime.PendingCapacity = 1000
	}
	if c.Realtime.PendingRetention <= 0 {
		c.Realtime.PendingRetention = 24 * time.Hour
	}
	if c.Realtime.PendingMaxAttempts <= 0 {
		c.Realtime.PendingMaxAttempts = 3
	}
	if c.Realtime.FrameWriteTimeout <= 0 {
		c.Realtime.FrameWriteTimeout = 2 * time.Second
	}

	if c.History.Retention <= 0 {
		c.History.Retention = 365 * 24 * time.Hour
	}
	if c.History.CleanupInterval <= 0 {
		c.History.CleanupInterval = 24 * time.Hour
	}

	c.WhatsApp.VerifyToken = strings.TrimSpace(c.WhatsApp.VerifyToken)
	c.WhatsApp.GraphBaseURL = strings.TrimRight(strings.TrimSpace(c.WhatsApp.GraphBaseURL), "/")
	if c.WhatsApp.GraphBaseURL == "" {
		c.WhatsApp.GraphBaseURL = "https://graph.facebook.com"
	}

	c.Auth.JWTSecret = strings.TrimSpace(c.Auth.JWTSecret)
	c.Auth.Issuer = strings.TrimSpace(c.Auth.Issuer)
	c.Auth.Audience = strings.TrimSpace(c.Auth.Audience)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gestion360"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if c.Database.Enabled() {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	} else if c.Environment == EnvProd {
		return fmt.Errorf("database: dsn required in prod")
	}

	if c.Quota.LockTimeout >= c.Quota.TxTimeout {
		return fmt.Errorf("quota lockTimeout must be shorter than txTimeout")
	}

	if c.Realtime.InactivityTimeout <= c.Realtime.HeartbeatInterval {
		return fmt.Errorf("realtime inactivityTimeout must exceed heartbeatInterval")
	}
	if c.Realtime.ReplayLimit > c.Realtime.PendingCapacity {
		return fmt.Errorf("realtime replayLimit must be <= pendingCapacity")
	}
	if c.Realtime.FrameWriteTimeout >= c.Realtime.HeartbeatInterval {
		return fmt.Errorf("realtime frameWriteTimeout must be shorter than heartbeatInterval")
	}

	if c.History.Retention < 24*time.Hour {
		return fmt.Errorf("history retention must be at least 24h")
	}

	if c.WhatsApp.RatePerSecond < 0 {
		return fmt.Errorf("whatsapp ratePerSecond must be >=0")
	}
	if c.WhatsApp.Burst < 0 {
		return fmt.Errorf("whatsapp burst must be >=0")
	}

	if !c.Auth.Enabled() && c.Environment != EnvDev {
		return fmt.Errorf("auth jwtSecret required outside dev (set %s)", EnvJWTSecret)
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway must be >=0")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level %q not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging format must be console or json")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
