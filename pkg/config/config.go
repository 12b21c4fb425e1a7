// Package config loads the YAML configuration used by the logbus CLI
// drivers. Values absent from the file fall back to protocol defaults;
// command-line flags override the file in the cobra layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/logbus-protocol/logbus/pkg/protocol"
	"github.com/logbus-protocol/logbus/pkg/reliable"
)

// Reliable holds the reliability-extension tuning knobs.
type Reliable struct {
	Window               int `yaml:"window" json:"window"`
	RetransmitIntervalMS int `yaml:"retransmit_interval_ms" json:"retransmit_interval_ms"`
	RetryTimeoutMS       int `yaml:"retry_timeout_ms" json:"retry_timeout_ms"`
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
}

// Config holds the logbus driver configuration.
type Config struct {
	Channel        string   `yaml:"channel" json:"channel"`
	StreamID       uint32   `yaml:"stream_id" json:"stream_id"`
	SessionID      uint32   `yaml:"session_id" json:"session_id"`
	InitialTermID  uint32   `yaml:"initial_term_id" json:"initial_term_id"`
	TermLength     int      `yaml:"term_length" json:"term_length"`
	MTU            int      `yaml:"mtu" json:"mtu"`
	ReceiverWindow uint32   `yaml:"receiver_window" json:"receiver_window"`
	LogLevel       string   `yaml:"log_level" json:"log_level"`
	Reliable       Reliable `yaml:"reliable" json:"reliable"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Channel:        "127.0.0.1:40123",
		StreamID:       1001,
		SessionID:      1,
		TermLength:     protocol.DefaultTermLength,
		MTU:            protocol.DefaultMTULength,
		ReceiverWindow: protocol.DefaultReceiverWindow,
		LogLevel:       "info",
		Reliable: Reliable{
			Window:               reliable.DefaultWindow,
			RetransmitIntervalMS: int(reliable.DefaultRetransmitInterval.Milliseconds()),
			RetryTimeoutMS:       int(reliable.DefaultRetryTimeout.Milliseconds()),
			HeartbeatIntervalMS:  int(reliable.DefaultHeartbeatInterval.Milliseconds()),
		},
	}
}

// DefaultPath returns the default config file path: ~/.logbus/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".logbus", "config.yaml")
	}
	return filepath.Join(home, ".logbus", "config.yaml")
}

// Load reads the configuration from the given YAML file path. If the file
// does not exist, it returns the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("logbus config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("logbus config: parse %s: %w", path, err)
	}
	return cfg, nil
}
