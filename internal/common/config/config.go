package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
	Alerts   AlertConfig    `yaml:"alerts"`
}

// Source is one configured SIRI StopMonitoring endpoint
type Source struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

// FeedConfig drives the polling engine
type FeedConfig struct {
	Sources []Source `yaml:"sources" validate:"required,min=1,dive"`

	PollInterval       time.Duration `yaml:"pollInterval" validate:"gt=0"`
	MinDispatchSpacing time.Duration `yaml:"minDispatchSpacing" validate:"gte=0"`
	StuckTimeout       time.Duration `yaml:"stuckTimeout" validate:"gt=0"`
	// CycleTimeout bounds a whole polling cycle; 0 means StuckTimeout per source
	CycleTimeout       time.Duration `yaml:"cycleTimeout" validate:"gte=0"`
	StabilizationDelay time.Duration `yaml:"stabilizationDelay" validate:"gte=0"`
	RequestTimeout     time.Duration `yaml:"requestTimeout" validate:"gt=0"`

	ActiveWindow   time.Duration `yaml:"activeWindow" validate:"gt=0"`
	ActiveInterval time.Duration `yaml:"activeInterval" validate:"gt=0"`
	MaxETA         time.Duration `yaml:"maxETA" validate:"gte=0"` // 0 disables the horizon

	MaxResponseBytes   int    `yaml:"maxResponseBytes" validate:"gt=0"`
	MaxRecords         int    `yaml:"maxRecords" validate:"gt=0"`
	LineCapacity       int    `yaml:"lineCapacity" validate:"gt=0"`
	MinFreeMemoryBytes uint64 `yaml:"minFreeMemoryBytes"`

	Backoff BackoffConfig `yaml:"backoff"`

	// RouteFilter is an allow-list of line names; empty means every line
	RouteFilter []string    `yaml:"routeFilter"`
	Style       StyleConfig `yaml:"style"`

	// ConnectivityProbe is a host:port dialled to decide network readiness; empty means always ready
	ConnectivityProbe         string        `yaml:"connectivityProbe"`
	ConnectivityProbeInterval time.Duration `yaml:"connectivityProbeInterval" validate:"gt=0"`
}

type BackoffConfig struct {
	Base         time.Duration `yaml:"base" validate:"gt=0"`
	Cap          time.Duration `yaml:"cap" validate:"gtefield=Base"`
	HighWater    int           `yaml:"highWater" validate:"gt=0"`
	RecoveryWait time.Duration `yaml:"recoveryWait" validate:"gt=0"`
}

// StyleConfig carries display attributes that are attached to records untouched
type StyleConfig struct {
	RouteColors       map[string]string `yaml:"routeColors"`
	DirectionColors   map[string]string `yaml:"directionColors"`
	DefaultRouteColor string            `yaml:"defaultRouteColor"`
	SeparatorColor    string            `yaml:"separatorColor"`
	RailLines         []string          `yaml:"railLines"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Retention       time.Duration `yaml:"retention" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" validate:"gt=0"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"filePath"`
}

type AlertConfig struct {
	DiscordURL string `yaml:"discordURL" validate:"omitempty,url"`
	// LogInterval and LogBurst rate limit error logs mirrored to Discord
	LogInterval time.Duration `yaml:"logInterval" validate:"gte=0"`
	LogBurst    int           `yaml:"logBurst" validate:"gte=0"`
}

// Default returns the settings used when neither the feed file nor the environment override them
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			PollInterval:              5 * time.Minute,
			MinDispatchSpacing:        2 * time.Second,
			StuckTimeout:              60 * time.Second,
			StabilizationDelay:        5 * time.Second,
			RequestTimeout:            20 * time.Second,
			ActiveWindow:              time.Hour,
			ActiveInterval:            10 * time.Second,
			MaxResponseBytes:          64 * 1024,
			MaxRecords:                100,
			LineCapacity:              20,
			MinFreeMemoryBytes:        0,
			ConnectivityProbeInterval: 10 * time.Second,
			Backoff: BackoffConfig{
				Base:         time.Second,
				Cap:          5 * time.Minute,
				HighWater:    8,
				RecoveryWait: 15 * time.Minute,
			},
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Database: DatabaseConfig{
			Host:   "localhost",
			Port:   "5432",
			User:   "postgres",
			DBName: "transitboard",
		},
		Archive: ArchiveConfig{
			Retention:       24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "transitboard.log",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML feed file
// named by FEED_CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FEED_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading feed config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing feed config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	f := &c.Feed
	if urls := getListEnv("FEED_SOURCES"); len(urls) > 0 {
		f.Sources = f.Sources[:0]
		for i, u := range urls {
			f.Sources = append(f.Sources, Source{Name: fmt.Sprintf("source-%d", i+1), URL: u})
		}
	}
	f.PollInterval = getDurationEnv("FEED_POLL_INTERVAL", f.PollInterval)
	f.MinDispatchSpacing = getDurationEnv("FEED_MIN_DISPATCH_SPACING", f.MinDispatchSpacing)
	f.StuckTimeout = getDurationEnv("FEED_STUCK_TIMEOUT", f.StuckTimeout)
	f.CycleTimeout = getDurationEnv("FEED_CYCLE_TIMEOUT", f.CycleTimeout)
	f.StabilizationDelay = getDurationEnv("FEED_STABILIZATION_DELAY", f.StabilizationDelay)
	f.RequestTimeout = getDurationEnv("FEED_REQUEST_TIMEOUT", f.RequestTimeout)
	f.ActiveWindow = getDurationEnv("FEED_ACTIVE_WINDOW", f.ActiveWindow)
	f.ActiveInterval = getDurationEnv("FEED_ACTIVE_INTERVAL", f.ActiveInterval)
	f.MaxETA = getDurationEnv("FEED_MAX_ETA", f.MaxETA)
	f.MaxResponseBytes = getIntEnv("FEED_MAX_RESPONSE_BYTES", f.MaxResponseBytes)
	f.MaxRecords = getIntEnv("FEED_MAX_RECORDS", f.MaxRecords)
	f.LineCapacity = getIntEnv("FEED_LINE_CAPACITY", f.LineCapacity)
	f.MinFreeMemoryBytes = uint64(getIntEnv("FEED_MIN_FREE_MEMORY_BYTES", int(f.MinFreeMemoryBytes)))
	if routes := getListEnv("FEED_ROUTE_FILTER"); len(routes) > 0 {
		f.RouteFilter = routes
	}
	f.ConnectivityProbe = getEnv("FEED_CONNECTIVITY_PROBE", f.ConnectivityProbe)
	f.ConnectivityProbeInterval = getDurationEnv("FEED_CONNECTIVITY_PROBE_INTERVAL", f.ConnectivityProbeInterval)

	f.Backoff.Base = getDurationEnv("FEED_BACKOFF_BASE", f.Backoff.Base)
	f.Backoff.Cap = getDurationEnv("FEED_BACKOFF_CAP", f.Backoff.Cap)
	f.Backoff.HighWater = getIntEnv("FEED_BACKOFF_HIGH_WATER", f.Backoff.HighWater)
	f.Backoff.RecoveryWait = getDurationEnv("FEED_BACKOFF_RECOVERY_WAIT", f.Backoff.RecoveryWait)

	c.Server.Enabled = getBoolEnv("SERVER_ENABLED", c.Server.Enabled)
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)

	c.Archive.Enabled = getBoolEnv("ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.Retention = getDurationEnv("ARCHIVE_RETENTION", c.Archive.Retention)
	c.Archive.CleanupInterval = getDurationEnv("ARCHIVE_CLEANUP_INTERVAL", c.Archive.CleanupInterval)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.FilePath = getEnv("LOG_FILE", c.Logging.FilePath)

	c.Alerts.DiscordURL = getEnv("DISCORD_WEBHOOK_URL", c.Alerts.DiscordURL)
	c.Alerts.LogInterval = getDurationEnv("DISCORD_LOG_INTERVAL", c.Alerts.LogInterval)
	c.Alerts.LogBurst = getIntEnv("DISCORD_LOG_BURST", c.Alerts.LogBurst)
}

// Validate checks struct constraints on every section
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c.Feed); err != nil {
		return fmt.Errorf("invalid feed configuration: %w", err)
	}
	if err := v.Struct(c.Server); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	if err := v.Struct(c.Alerts); err != nil {
		return fmt.Errorf("invalid alert configuration: %w", err)
	}
	if c.Archive.Enabled {
		if err := v.Struct(c.Archive); err != nil {
			return fmt.Errorf("invalid archive configuration: %w", err)
		}
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" || c.Port == "" || c.User == "" || c.DBName == "" {
		return fmt.Errorf("database host, port, user and name are required")
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
