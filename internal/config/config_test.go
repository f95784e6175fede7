package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Bus: BusConfig{
			Mode:     "fsnotify",
			Channel:  "writemesh",
			SpoolDir: "/tmp/writemesh/bus",
		},
		Coordinator: CoordinatorConfig{
			ElectionWindow:    500 * time.Millisecond,
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTimeout:  8 * time.Second,
			LivenessInterval:  time.Second,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr bool
	}{
		{
			name:      "valid config",
			mutate:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = -1 },
			expectErr: true,
		},
		{
			name:      "invalid bus mode",
			mutate:    func(c *Config) { c.Bus.Mode = "carrier-pigeon" },
			expectErr: true,
		},
		{
			name:      "empty channel",
			mutate:    func(c *Config) { c.Bus.Channel = "" },
			expectErr: true,
		},
		{
			name:      "fsnotify without spool dir",
			mutate:    func(c *Config) { c.Bus.SpoolDir = "" },
			expectErr: true,
		},
		{
			name: "libp2p with bad port",
			mutate: func(c *Config) {
				c.Bus.Mode = "libp2p"
				c.Bus.Port = 0
			},
			expectErr: true,
		},
		{
			name:      "zero election window",
			mutate:    func(c *Config) { c.Coordinator.ElectionWindow = 0 },
			expectErr: true,
		},
		{
			name: "timeout too close to interval",
			mutate: func(c *Config) {
				c.Coordinator.HeartbeatTimeout = c.Coordinator.HeartbeatInterval
			},
			expectErr: true,
		},
		{
			name: "liveness slower than timeout",
			mutate: func(c *Config) {
				c.Coordinator.LivenessInterval = c.Coordinator.HeartbeatTimeout + time.Second
			},
			expectErr: true,
		},
		{
			name: "none mode needs no transport settings",
			mutate: func(c *Config) {
				c.Bus.Mode = "none"
				c.Bus.SpoolDir = ""
				c.Bus.Port = 0
			},
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.expectErr {
				t.Errorf("Validate() error = %v, expectErr %v", err, tt.expectErr)
			}
		})
	}
}
