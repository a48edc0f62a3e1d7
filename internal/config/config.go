// Package config loads the application configuration from YAML with
// environment overrides and hot reload for the non-fatal settings.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	FileStore FileStoreConfig `mapstructure:"filestore"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Stages    StagesConfig    `mapstructure:"stages"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type FileStoreConfig struct {
	Root string `mapstructure:"root"`
}

type IngestConfig struct {
	Domain        string        `mapstructure:"domain"`
	PrimaryPrefix string        `mapstructure:"primary_prefix"`
	Schedule      string        `mapstructure:"schedule"`
	Timeout       time.Duration `mapstructure:"timeout"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
}

type PipelineConfig struct {
	DispatchSchedule string        `mapstructure:"dispatch_schedule"`
	DispatchLimit    int           `mapstructure:"dispatch_limit"`
	RecoverySchedule string        `mapstructure:"recovery_schedule"`
	MaxRetries       int           `mapstructure:"max_retries"`
	StageTimeouts    StageTimeouts `mapstructure:"stage_timeouts"`
}

type StageTimeouts struct {
	OCR     time.Duration `mapstructure:"ocr"`
	Summary time.Duration `mapstructure:"summary"`
	Issue   time.Duration `mapstructure:"issue"`
}

type CleanupConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	ProcessedMaxAge time.Duration `mapstructure:"processed_max_age"`
	FailedMaxAge    time.Duration `mapstructure:"failed_max_age"`
	InboxMaxAge     time.Duration `mapstructure:"inbox_max_age"`
	InboxGrace      time.Duration `mapstructure:"inbox_grace"`
	RunRetention    time.Duration `mapstructure:"run_retention"`
	BatchSize       int           `mapstructure:"batch_size"`
}

type OpsConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StagesConfig struct {
	OCREndpoint     string `mapstructure:"ocr_endpoint"`
	SummaryEndpoint string `mapstructure:"summary_endpoint"`
	TrackerEndpoint string `mapstructure:"tracker_endpoint"`
	TrackerToken    string `mapstructure:"tracker_token"`
}

type SecretsConfig struct {
	// MailboxKey decrypts stored mailbox credentials. Required when any
	// tenant uses mailbox-pull ingestion.
	MailboxKey string `mapstructure:"mailbox_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ticketpipe")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.name", "ticketpipe")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("filestore.root", "/var/lib/ticketpipe/store")

	v.SetDefault("ingest.primary_prefix", "t-")
	v.SetDefault("ingest.schedule", "*/30 * * * * *")
	v.SetDefault("ingest.timeout", 5*time.Minute)
	v.SetDefault("ingest.dial_timeout", 30*time.Second)

	v.SetDefault("pipeline.dispatch_schedule", "*/10 * * * * *")
	v.SetDefault("pipeline.dispatch_limit", 50)
	v.SetDefault("pipeline.recovery_schedule", "0 * * * * *")
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.stage_timeouts.ocr", 10*time.Minute)
	v.SetDefault("pipeline.stage_timeouts.summary", 5*time.Minute)
	v.SetDefault("pipeline.stage_timeouts.issue", 5*time.Minute)

	v.SetDefault("cleanup.schedule", "0 0 3 * * *")
	v.SetDefault("cleanup.processed_max_age", 30*24*time.Hour)
	v.SetDefault("cleanup.failed_max_age", 14*24*time.Hour)
	v.SetDefault("cleanup.inbox_max_age", 7*24*time.Hour)
	v.SetDefault("cleanup.inbox_grace", 30*time.Minute)
	v.SetDefault("cleanup.run_retention", 90*24*time.Hour)
	v.SetDefault("cleanup.batch_size", 500)

	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", 8085)
	v.SetDefault("ops.shutdown_timeout", 10*time.Second)
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := viper.New()
		v.SetConfigType("yaml")
		setDefaults(v)

		v.SetConfigName("config")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			// Defaults plus environment are a complete configuration.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config: %w", err)
				return
			}
			err = nil
		}

		v.SetEnvPrefix("TICKETPIPE")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			fmt.Printf("Config file changed: %s\n", e.Name)
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// DSN returns the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	case "sqlite3":
		if c.Path != "" {
			return c.Path
		}
		return c.Name + ".db"
	default:
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			c.User, c.Password, c.Host, c.Port, c.Name,
		)
	}
}

// Addr returns the Redis server address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the ops listener address.
func (c *OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the configured timeout for a stage name, falling back
// to the summary timeout for unknown stages.
func (t *StageTimeouts) Timeout(stage string) time.Duration {
	switch stage {
	case "OCR":
		return t.OCR
	case "ISSUE":
		return t.Issue
	default:
		return t.Summary
	}
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}
