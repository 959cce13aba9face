// Package config provides configuration management for rdmapoold.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Environment variables (RDMAPOOL_* prefix, highest priority)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// The package uses Viper for configuration binding: a single Config
// struct unmarshaled via mapstructure tags, defaulted in setDefaults
// and checked in validate, the same shape this codebase has always
// used for its config loader.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for rdmapoold.
type Config struct {
	// NodeID identifies this process; generated and persisted under
	// DataDir on first run if left empty.
	NodeID string `mapstructure:"node_id"`

	// DataDir is where the generated node ID is persisted.
	DataDir string `mapstructure:"data_dir"`

	// LogLevel is a zerolog level name: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// BlockPool carries the allocator's clamp-at-init options plus the
	// ambient base-block-size option.
	BlockPool BlockPoolConfig `mapstructure:"blockpool"`

	// CM carries the RDMA-CM wrapper's init-time options.
	CM CMConfig `mapstructure:"cm"`

	// Admin carries the admin HTTP listener's options.
	Admin AdminConfig `mapstructure:"admin"`
}

// BlockPoolConfig mirrors blockpool.Config's mapstructure tags so the
// process config and the allocator's own Config agree on field names.
type BlockPoolConfig struct {
	InitialSizeMB      uint64 `mapstructure:"initial_size_mb"`
	IncreaseSizeMB     uint64 `mapstructure:"increase_size_mb"`
	MaxRegions         int    `mapstructure:"max_regions"`
	Buckets            int    `mapstructure:"buckets"`
	BaseBlockSizeBytes uint64 `mapstructure:"base_block_size_bytes"`
}

// CMConfig mirrors rdmacm.Config's mapstructure tags.
type CMConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	Backlog       int           `mapstructure:"backlog"`
	ConnTimeout   time.Duration `mapstructure:"conn_timeout"`
	FlowControl   int           `mapstructure:"flow_control"`
	RetryCount    int           `mapstructure:"retry_count"`
	RNRRetryCount int           `mapstructure:"rnr_retry_count"`
}

// AdminConfig configures the admin HTTP listener.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load loads configuration from file (if configPath is non-empty) and
// from RDMAPOOL_* environment variables, applying defaults for
// anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rdmapool")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmapool")

		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("RDMAPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")

	v.SetDefault("blockpool.initial_size_mb", uint64(64))
	v.SetDefault("blockpool.increase_size_mb", uint64(64))
	v.SetDefault("blockpool.max_regions", 16)
	v.SetDefault("blockpool.buckets", 8)
	v.SetDefault("blockpool.base_block_size_bytes", uint64(8192))

	v.SetDefault("cm.backlog", 1024)
	v.SetDefault("cm.conn_timeout", 500*time.Millisecond)
	v.SetDefault("cm.flow_control", 1)
	v.SetDefault("cm.retry_count", 1)
	v.SetDefault("cm.rnr_retry_count", 0)

	v.SetDefault("admin.listen_addr", ":9001")
}

func (c *Config) validate() error {
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if c.NodeID == "" {
		nodeIDPath := filepath.Join(c.DataDir, "node-id")
		if err := validatePath(c.DataDir, nodeIDPath); err != nil {
			return fmt.Errorf("invalid node ID path: %w", err)
		}
		if data, err := os.ReadFile(nodeIDPath); err == nil { // #nosec G304 - path validated above
			c.NodeID = string(data)
		} else {
			c.NodeID = generateNodeID()
			if err := os.WriteFile(nodeIDPath, []byte(c.NodeID), 0o644); err != nil {
				return fmt.Errorf("failed to write node ID: %w", err)
			}
		}
	}

	if err := c.BlockPool.validate(); err != nil {
		return fmt.Errorf("blockpool config: %w", err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	return nil
}

func (c BlockPoolConfig) validate() error {
	if c.InitialSizeMB < 64 {
		return fmt.Errorf("initial_size_mb must be >= 64, got %d", c.InitialSizeMB)
	}
	if c.IncreaseSizeMB < 64 {
		return fmt.Errorf("increase_size_mb must be >= 64, got %d", c.IncreaseSizeMB)
	}
	if c.MaxRegions < 1 || c.MaxRegions > 16 {
		return fmt.Errorf("max_regions must be in [1,16], got %d", c.MaxRegions)
	}
	if c.Buckets < 1 {
		return fmt.Errorf("buckets must be >= 1, got %d", c.Buckets)
	}
	return nil
}

// validatePath ensures filePath, once resolved, stays under basePath.
func validatePath(basePath, filePath string) error {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return err
	}
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absBase, absFile)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", filePath, basePath)
	}
	return nil
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", generateSecret(8))
}

func generateSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(randomByte())%len(charset)]
	}
	return string(b)
}

func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}
	return b[0]
}
