// Package config defines the server configuration file structure.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects how the server synchronizes the simulation.
type Mode string

const (
	// ModeSyncTest runs without a peer, rolling back and re-simulating
	// every frame to verify determinism.
	ModeSyncTest Mode = "synctest"
	// ModePeer synchronizes with one remote peer through the relay.
	ModePeer Mode = "peer"
)

// File is the root of the YAML configuration.
type File struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	Rollback RollbackConfig `yaml:"rollback" json:"rollback"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig covers the HTTP listener and relay endpoints.
type ServerConfig struct {
	Addr        string `yaml:"addr" json:"addr"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
	RelayPath   string `yaml:"relay_path" json:"relay_path"`
}

// SessionConfig covers the synchronization session.
type SessionConfig struct {
	Mode          Mode   `yaml:"mode" json:"mode"`
	TickRate      int    `yaml:"tick_rate" json:"tick_rate"`
	LocalPlayer   int    `yaml:"local_player" json:"local_player"`
	RemotePlayer  int    `yaml:"remote_player" json:"remote_player"`
	RelayURL      string `yaml:"relay_url,omitempty" json:"relay_url,omitempty"`
	Room          string `yaml:"room,omitempty" json:"room,omitempty"`
	CheckDistance int    `yaml:"check_distance" json:"check_distance"`
	CheckInterval uint64 `yaml:"check_interval" json:"check_interval"`
}

// RollbackConfig covers the prediction window and snapshot ring.
type RollbackConfig struct {
	MaxPrediction int `yaml:"max_prediction" json:"max_prediction"`
}

// LoggingConfig covers the event router.
type LoggingConfig struct {
	Sinks      []string `yaml:"sinks" json:"sinks"`
	BufferSize int      `yaml:"buffer_size" json:"buffer_size"`
	Severity   string   `yaml:"severity" json:"severity"`
	JSONPath   string   `yaml:"json_path,omitempty" json:"json_path,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *File {
	return &File{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsPath: "/metrics",
			RelayPath:   "/ws",
		},
		Session: SessionConfig{
			Mode:          ModeSyncTest,
			TickRate:      60,
			LocalPlayer:   0,
			RemotePlayer:  1,
			CheckDistance: 2,
			CheckInterval: 30,
		},
		Rollback: RollbackConfig{
			MaxPrediction: 8,
		},
		Logging: LoggingConfig{
			Sinks:      []string{"console"},
			BufferSize: 256,
			Severity:   "info",
		},
	}
}

// Load reads the configuration file at path. A missing file is not an
// error; defaults apply. Explicit values are validated.
func Load(path string) (*File, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (f *File) Validate() error {
	if f == nil {
		return fmt.Errorf("nil configuration")
	}
	switch f.Session.Mode {
	case ModeSyncTest, ModePeer:
	default:
		return fmt.Errorf("unknown session mode %q", f.Session.Mode)
	}
	if f.Session.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be positive, got %d", f.Session.TickRate)
	}
	if f.Session.Mode == ModePeer {
		if f.Session.RelayURL == "" {
			return fmt.Errorf("peer mode requires relay_url")
		}
		if f.Session.Room == "" {
			return fmt.Errorf("peer mode requires a room")
		}
		if f.Session.LocalPlayer == f.Session.RemotePlayer {
			return fmt.Errorf("local_player and remote_player must differ")
		}
	}
	if f.Rollback.MaxPrediction <= 0 {
		return fmt.Errorf("max_prediction must be positive, got %d", f.Rollback.MaxPrediction)
	}
	if f.Session.Mode == ModeSyncTest && f.Session.CheckDistance > f.Rollback.MaxPrediction {
		return fmt.Errorf("check_distance %d exceeds max_prediction %d", f.Session.CheckDistance, f.Rollback.MaxPrediction)
	}
	return nil
}

// SnapshotCapacity is the snapshot ring size implied by the prediction
// window: every frame inside the window plus slack for the frame being
// saved and the rollback origin.
func (f *File) SnapshotCapacity() int {
	if f == nil {
		return 2
	}
	return f.Rollback.MaxPrediction + 2
}
