// Package config loads the YAML configuration of a raftlog process
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"raftlog/internal/raft"
	"raftlog/internal/raft/storage"
)

const (
	StorageSegment = "segment"
	StorageBbolt   = "bbolt"
)

type Config struct {
	Node   NodeConfig   `yaml:"node"`
	Log    LogConfig    `yaml:"log"`
	Meta   MetaConfig   `yaml:"meta"`
	Health HealthConfig `yaml:"health"`
	Logger LoggerConfig `yaml:"logger"`
}

type NodeConfig struct {
	// ID is the peer id of this replica, "ip:port[:idx[:role]]"
	ID string `yaml:"id"`
	// Peers is the initial configuration. It must contain ID.
	Peers           []string `yaml:"peers"`
	MaxPendingTasks int      `yaml:"max_pending_tasks"`
}

type LogConfig struct {
	Dir string `yaml:"dir"`
	// Storage is either "segment" or "bbolt"
	Storage        string `yaml:"storage"`
	MaxSegmentSize int64  `yaml:"max_segment_size"`
	Sync           bool   `yaml:"sync"`
	// Checksum is either "crc32c" or "crc32"
	Checksum        string `yaml:"checksum"`
	MaxBatchEntries int    `yaml:"max_batch_entries"`
	MaxBatchBytes   int    `yaml:"max_batch_bytes"`
}

type MetaConfig struct {
	// Path of the bbolt file holding the term and vote. Relative paths are resolved against log.dir.
	Path string `yaml:"path"`
}

type HealthConfig struct {
	// ListenAddress serves the gRPC health protocol. Empty disables it.
	ListenAddress string `yaml:"listen_address"`
}

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration running a single replica out of ./data
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:              "127.0.0.1:8001",
			Peers:           []string{"127.0.0.1:8001"},
			MaxPendingTasks: 1000,
		},
		Log: LogConfig{
			Dir:             "data",
			Storage:         StorageSegment,
			MaxSegmentSize:  8 << 20,
			Sync:            true,
			Checksum:        "crc32c",
			MaxBatchEntries: 256,
			MaxBatchBytes:   4 << 20,
		},
		Meta:   MetaConfig{Path: "meta.db"},
		Health: HealthConfig{ListenAddress: "127.0.0.1:9001"},
		Logger: LoggerConfig{Level: "info"},
	}
}

// LoadConfig reads the YAML file at path on top of Default. A missing file yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	id, err := raft.ParsePeerID(c.Node.ID)
	if err != nil {
		return fmt.Errorf("node.id: %w", err)
	}

	peers, err := c.InitialConfiguration()
	if err != nil {
		return fmt.Errorf("node.peers: %w", err)
	}
	if peers.Empty() {
		return fmt.Errorf("node.peers must contain at least one peer")
	}
	if peers.Size() != len(c.Node.Peers) {
		return fmt.Errorf("node.peers contains duplicates")
	}
	if !peers.Contains(id) {
		return fmt.Errorf("node.id=%s not found in node.peers", id)
	}

	if c.Log.Dir == "" {
		return fmt.Errorf("log.dir is required")
	}
	switch c.Log.Storage {
	case StorageSegment, StorageBbolt:
	default:
		return fmt.Errorf("log.storage must be %q or %q, got %q", StorageSegment, StorageBbolt, c.Log.Storage)
	}
	if _, err := storage.ParseChecksumType(c.Log.Checksum); err != nil {
		return fmt.Errorf("log.checksum: %w", err)
	}
	if c.Log.MaxSegmentSize < 0 || c.Log.MaxBatchEntries < 0 || c.Log.MaxBatchBytes < 0 || c.Node.MaxPendingTasks < 0 {
		return fmt.Errorf("sizes and limits must not be negative")
	}
	if c.Meta.Path == "" {
		return fmt.Errorf("meta.path is required")
	}
	if _, err := zap.ParseAtomicLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}
	return nil
}

// PeerID returns the parsed node.id
func (c *Config) PeerID() (raft.PeerID, error) {
	return raft.ParsePeerID(c.Node.ID)
}

// InitialConfiguration returns the parsed node.peers
func (c *Config) InitialConfiguration() (raft.Configuration, error) {
	return raft.ParseConfigurationStrings(c.Node.Peers)
}

// MetaPath returns the location of the meta storage
func (c *Config) MetaPath() string {
	if filepath.IsAbs(c.Meta.Path) {
		return c.Meta.Path
	}
	return filepath.Join(c.Log.Dir, c.Meta.Path)
}

// NewLogger builds the process logger
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logger.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logger.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
