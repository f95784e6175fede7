package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a writemesh peer
type Config struct {
	// Application settings
	ConfigFile string `mapstructure:"config_file" yaml:"config_file"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`

	// Server settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Broadcast bus settings
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Coordinator settings
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`

	// Monitoring settings
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type BusConfig struct {
	Mode    string `mapstructure:"mode" yaml:"mode"` // "fsnotify", "libp2p", "memory", "none"
	Channel string `mapstructure:"channel" yaml:"channel"`

	// fsnotify transport
	SpoolDir string        `mapstructure:"spool_dir" yaml:"spool_dir"`
	SpoolTTL time.Duration `mapstructure:"spool_ttl" yaml:"spool_ttl"`

	// libp2p transport
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	MDNS bool   `mapstructure:"mdns" yaml:"mdns"`
}

type CoordinatorConfig struct {
	// PeerID overrides the generated peer identity. Leave empty in production;
	// useful for deterministic tests.
	PeerID string `mapstructure:"peer_id" yaml:"peer_id"`

	ElectionWindow    time.Duration `mapstructure:"election_window" yaml:"election_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval" yaml:"liveness_interval"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
	MetricsPort int    `mapstructure:"metrics_port" yaml:"metrics_port"`
	HealthPath  string `mapstructure:"health_path" yaml:"health_path"`
}

// Load loads configuration from environment variables and default values
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/writemesh")

	// Set default values
	setDefaults()

	// Environment variable support
	viper.SetEnvPrefix("WRITEMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(filename string) (*Config, error) {
	viper.SetConfigFile(filename)

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", filename, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Application defaults
	viper.SetDefault("log_level", "info")

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "60s")

	// Bus defaults
	viper.SetDefault("bus.mode", "fsnotify")
	viper.SetDefault("bus.channel", "writemesh")
	viper.SetDefault("bus.spool_dir", "/tmp/writemesh/bus")
	viper.SetDefault("bus.spool_ttl", "30s")
	viper.SetDefault("bus.host", "0.0.0.0")
	viper.SetDefault("bus.port", 4001)
	viper.SetDefault("bus.mdns", true)

	// Coordinator defaults. The election window is a small multiple of expected
	// one-way broadcast latency; the heartbeat timeout is several multiples of
	// the heartbeat interval so tab-freeze style jitter does not cause false
	// promotion; the liveness check runs faster than the timeout.
	viper.SetDefault("coordinator.election_window", "500ms")
	viper.SetDefault("coordinator.heartbeat_interval", "2s")
	viper.SetDefault("coordinator.heartbeat_timeout", "8s")
	viper.SetDefault("coordinator.liveness_interval", "1s")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.metrics_port", 9090)
	viper.SetDefault("monitoring.health_path", "/health")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Bus.Mode {
	case "fsnotify", "libp2p", "memory", "none":
	default:
		return fmt.Errorf("invalid bus mode: %s", c.Bus.Mode)
	}

	if c.Bus.Channel == "" {
		return fmt.Errorf("bus channel must not be empty")
	}

	if c.Bus.Mode == "fsnotify" && c.Bus.SpoolDir == "" {
		return fmt.Errorf("spool dir must be set for fsnotify bus")
	}

	if c.Bus.Mode == "libp2p" && (c.Bus.Port <= 0 || c.Bus.Port > 65535) {
		return fmt.Errorf("invalid bus port: %d", c.Bus.Port)
	}

	if c.Coordinator.ElectionWindow <= 0 {
		return fmt.Errorf("election window must be positive")
	}

	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Coordinator.HeartbeatTimeout < 2*c.Coordinator.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be at least twice the heartbeat interval")
	}

	if c.Coordinator.LivenessInterval <= 0 {
		return fmt.Errorf("liveness interval must be positive")
	}

	if c.Coordinator.LivenessInterval > c.Coordinator.HeartbeatTimeout {
		return fmt.Errorf("liveness interval must not exceed the heartbeat timeout")
	}

	return nil
}
