// Package config loads server configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration for a server instance
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Replication ReplicationConfig `yaml:"replication"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Storage     StorageConfig     `yaml:"storage"`
}

// ServerConfig covers the client-facing listener
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// ReplicationConfig covers the replica role. An empty ReplicaOf runs the
// server as a master.
type ReplicationConfig struct {
	ReplicaOf      string        `yaml:"replicaof"`
	MasterAuth     string        `yaml:"masterauth"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AckInterval    time.Duration `yaml:"ack_interval"`
}

// SnapshotConfig covers the values reported through CONFIG GET
type SnapshotConfig struct {
	Dir        string `yaml:"dir"`
	DBFilename string `yaml:"dbfilename"`
}

// StorageConfig tunes the in-memory keyspace
type StorageConfig struct {
	ShardCount int `yaml:"shard_count"`
}

// Default returns a baseline configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":6379",
		},
		Replication: ReplicationConfig{
			SyncTimeout:    30 * time.Second,
			ConnectTimeout: 5 * time.Second,
			AckInterval:    time.Second,
		},
		Snapshot: SnapshotConfig{
			Dir:        ".",
			DBFilename: "dump.rdb",
		},
	}
}

// Load reads the configuration from a YAML file, falling back to
// Default() when the file does not exist
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the server would reject
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server.read_timeout cannot be negative")
	}
	if n := c.Storage.ShardCount; n < 0 || (n != 0 && n&(n-1) != 0) {
		return fmt.Errorf("storage.shard_count must be a power of two, got %d", n)
	}
	if c.Replication.SyncTimeout <= 0 {
		return fmt.Errorf("replication.sync_timeout must be positive")
	}
	if c.Replication.ConnectTimeout <= 0 {
		return fmt.Errorf("replication.connect_timeout must be positive")
	}
	if c.Replication.AckInterval < 0 {
		return fmt.Errorf("replication.ack_interval cannot be negative")
	}
	if c.Snapshot.Dir == "" || c.Snapshot.DBFilename == "" {
		return fmt.Errorf("snapshot.dir and snapshot.dbfilename cannot be empty")
	}
	return nil
}
