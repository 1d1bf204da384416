package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for shellkit.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Journal  JournalConfig  `yaml:"journal"`
	Stats    StatsConfig    `yaml:"stats"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Stream   StreamConfig   `yaml:"stream"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultsConfig holds the factory defaults applied to every subprocess
// and daemon built from this configuration.
type DefaultsConfig struct {
	// Cwd is the working directory for spawned processes.
	// Empty means the current working directory.
	Cwd string `yaml:"cwd"`

	// Timeout is the default run timeout in seconds. 0 disables it.
	Timeout float64 `yaml:"timeout"`

	// SlowStop sends SIGTERM before SIGKILL when terminating.
	SlowStop bool `yaml:"slow_stop"`

	// SkipOnGlibcRace turns the glibc ld.so race (exit code 127) into a skipped test.
	SkipOnGlibcRace bool `yaml:"skip_on_glibc_race"`

	// StartTimeout is the daemon readiness deadline in seconds.
	StartTimeout float64 `yaml:"start_timeout"`

	// MaxStartAttempts bounds daemon start retries.
	MaxStartAttempts int `yaml:"max_start_attempts"`
}

// JournalConfig contains the SQLite run journal settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StatsConfig controls process statistics sampling for running daemons.
type StatsConfig struct {
	Enabled bool `yaml:"enabled"`

	// SampleInterval is how often (seconds) registered processes are sampled.
	SampleInterval int `yaml:"sample_interval"`
}

// StreamConfig controls the WebSocket feed of lifecycle events.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	// PingInterval and PongTimeout are in seconds.
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	MaxMessageSize int `yaml:"max_message_size"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHELLKIT_SECTION_KEY
// For example: SHELLKIT_JOURNAL_PATH, SHELLKIT_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration without a file: defaults plus
// SHELLKIT_* overrides. If SHELLKIT_CONFIG is set, that file is loaded instead.
func FromEnv() (*Config, error) {
	if path := os.Getenv("SHELLKIT_CONFIG"); path != "" {
		return Load(path)
	}

	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration with no file or environment applied.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Defaults: DefaultsConfig{
			SlowStop:         true,
			SkipOnGlibcRace:  true,
			StartTimeout:     30,
			MaxStartAttempts: 3,
		},
		Journal: JournalConfig{
			Path:        "./.shellkit/journal.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Stats: StatsConfig{
			SampleInterval: 5,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "shellkit",
			BatchSize:     100,
			FlushInterval: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "shellkit",
			},
			QoS:         1,
			TopicPrefix: "shellkit",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
			},
		},
		Stream: StreamConfig{
			Listen:         "127.0.0.1:8765",
			PingInterval:   30,
			PongTimeout:    10,
			MaxMessageSize: 4096,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SHELLKIT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Logging
	if v := os.Getenv("SHELLKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SHELLKIT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Defaults
	if v := os.Getenv("SHELLKIT_CWD"); v != "" {
		cfg.Defaults.Cwd = v
	}
	if v, ok := envFloat("SHELLKIT_TIMEOUT"); ok {
		cfg.Defaults.Timeout = v
	}
	if v, ok := envBool("SHELLKIT_SLOW_STOP"); ok {
		cfg.Defaults.SlowStop = v
	}
	if v, ok := envBool("SHELLKIT_SKIP_ON_GLIBC_RACE"); ok {
		cfg.Defaults.SkipOnGlibcRace = v
	}
	if v, ok := envFloat("SHELLKIT_START_TIMEOUT"); ok {
		cfg.Defaults.StartTimeout = v
	}

	// Journal
	if v := os.Getenv("SHELLKIT_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
		cfg.Journal.Enabled = true
	}

	// InfluxDB
	if v := os.Getenv("SHELLKIT_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("SHELLKIT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// MQTT
	if v := os.Getenv("SHELLKIT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SHELLKIT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SHELLKIT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Stream
	if v := os.Getenv("SHELLKIT_STREAM_LISTEN"); v != "" {
		cfg.Stream.Listen = v
		cfg.Stream.Enabled = true
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Defaults.Timeout < 0 {
		errs = append(errs, "defaults.timeout must not be negative")
	}
	if c.Defaults.StartTimeout <= 0 {
		errs = append(errs, "defaults.start_timeout must be greater than 0")
	}
	if c.Defaults.MaxStartAttempts < 1 {
		errs = append(errs, "defaults.max_start_attempts must be at least 1")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if c.Stats.Enabled && c.Stats.SampleInterval < 1 {
		errs = append(errs, "stats.sample_interval must be at least 1 second")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && (c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535) {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.Stream.Enabled {
		if c.Stream.Listen == "" {
			errs = append(errs, "stream.listen is required when the stream is enabled")
		}
		if c.Stream.PingInterval < 1 || c.Stream.PongTimeout < 1 {
			errs = append(errs, "stream.ping_interval and stream.pong_timeout must be at least 1 second")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetTimeout returns the default run timeout as a Duration.
func (c *Config) GetTimeout() time.Duration {
	return secondsToDuration(c.Defaults.Timeout)
}

// GetStartTimeout returns the daemon start timeout as a Duration.
func (c *Config) GetStartTimeout() time.Duration {
	return secondsToDuration(c.Defaults.StartTimeout)
}

// GetSampleInterval returns the stats sample interval as a Duration.
func (c *Config) GetSampleInterval() time.Duration {
	return time.Duration(c.Stats.SampleInterval) * time.Second
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
