package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Database        DatabaseConfig    `yaml:"database"`
	Poll            PollConfig        `yaml:"poll"`
	Scheduler       SchedulerConfig   `yaml:"scheduler"`
	Devices         []DeviceConfig    `yaml:"devices"`
	Script          ScriptConfig      `yaml:"script"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig    `yaml:"influxdb"`
	Kafka           KafkaConfig       `yaml:"kafka"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// GetLevel returns the log level with default
func (c LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PollConfig contains settings for the device gateway that snapshots are fetched from
type PollConfig struct {
	URL             string   `yaml:"url"` // Base URL, device id is appended as /devices/{id}
	Token           string   `yaml:"token"`
	Timeout         Duration `yaml:"timeout"`          // Per-request timeout
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`   // Gateway-wide request budget
	DefaultInterval Duration `yaml:"default_interval"` // Used when a device/observer has no interval
}

// SchedulerConfig contains update scheduler settings
type SchedulerConfig struct {
	ObserverTimeout Duration `yaml:"observer_timeout"`  // Soft deadline for one observer callback
	StopIdleDevices bool     `yaml:"stop_idle_devices"` // Stop a device's timer when its last observer leaves
}

// DeviceConfig describes one device known to the static directory
type DeviceConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Interval   Duration          `yaml:"interval"`
	Initial    map[string]any    `yaml:"initial"`
	Energy     EnergyConfig      `yaml:"energy"`
	Attributes []AttributeConfig `yaml:"attributes"`
}

// EnergyConfig enables cumulative energy reconstruction for a device
type EnergyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Timezone string   `yaml:"timezone"` // Timezone for the daily total reset
}

// AttributeConfig publishes a single snapshot value as an entity
type AttributeConfig struct {
	Name     string   `yaml:"name"`
	Key      string   `yaml:"key"` // Dotted path into the snapshot, e.g. keypad.power
	Interval Duration `yaml:"interval"`
}

// ScriptConfig contains the optional Lua observer script
type ScriptConfig struct {
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
}

// IsEnabled returns whether a script is configured
func (c ScriptConfig) IsEnabled() bool {
	return c.Path != ""
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled           *bool    `yaml:"enabled"`
	RetentionPeriod   Duration `yaml:"retention_period"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// IsEnabled returns whether the ledger is enabled (default: true)
func (c LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig contains MQTT sink settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB sink settings
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// KafkaConfig contains Kafka sink settings
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// GetShutdownTimeout returns the shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./meterd.sqlite"
	}

	// Poll defaults
	if cfg.Poll.Timeout == 0 {
		cfg.Poll.Timeout = Duration(30 * time.Second)
	}
	if cfg.Poll.RateLimitRPS == 0 {
		cfg.Poll.RateLimitRPS = 5.0
	}
	if cfg.Poll.DefaultInterval == 0 {
		cfg.Poll.DefaultInterval = Duration(2 * time.Minute)
	}

	// Scheduler defaults
	if cfg.Scheduler.ObserverTimeout == 0 {
		cfg.Scheduler.ObserverTimeout = Duration(10 * time.Second)
	}

	// Device defaults - energy meters poll every 2 minutes, attributes every 30 seconds
	for i := range cfg.Devices {
		dev := &cfg.Devices[i]
		if dev.Name == "" {
			dev.Name = dev.ID
		}
		if dev.Interval == 0 {
			dev.Interval = cfg.Poll.DefaultInterval
		}
		if dev.Energy.Interval == 0 {
			dev.Energy.Interval = Duration(2 * time.Minute)
		}
		if dev.Energy.Timezone == "" {
			dev.Energy.Timezone = "UTC"
		}
		for j := range dev.Attributes {
			if dev.Attributes[j].Interval == 0 {
				dev.Attributes[j].Interval = Duration(30 * time.Second)
			}
			if dev.Attributes[j].Key == "" {
				dev.Attributes[j].Key = dev.Attributes[j].Name
			}
		}
	}

	if cfg.Script.Interval == 0 {
		cfg.Script.Interval = cfg.Poll.DefaultInterval
	}

	// Ledger defaults
	if cfg.Ledger.RetentionInterval == 0 {
		cfg.Ledger.RetentionInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionPeriod == 0 {
		cfg.Ledger.RetentionPeriod = Duration(30 * 24 * time.Hour)
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// Sink defaults
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "meterd"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "meterd.states"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

func (cfg *Config) validate() error {
	seen := make(map[string]bool, len(cfg.Devices))
	for i, dev := range cfg.Devices {
		if dev.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[dev.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, dev.ID)
		}
		seen[dev.ID] = true
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
