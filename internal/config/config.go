// Package config holds the daemon configuration file and its defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klingon-exchange/klingon-channels/internal/backend"
	"github.com/klingon-exchange/klingon-channels/internal/chain"
	"gopkg.in/yaml.v3"
)

// File names under the data directory.
const (
	ConfigFileName   = "config.yaml"
	DatabaseFileName = "channels.db"
	SeedFileName     = "seed.json"
	DefaultDataDir   = "~/.klingon-channels"
	DefaultRPCListen = "127.0.0.1:8645"
)

// Config is the top-level daemon configuration.
type Config struct {
	Network chain.Network `yaml:"network"`

	Channel ChannelConfig   `yaml:"channel"`
	Dispute DisputeConfig   `yaml:"dispute"`
	Backend *backend.Config `yaml:"backend"`
	Storage StorageConfig   `yaml:"storage"`
	Logging LoggingConfig   `yaml:"logging"`
	RPC     RPCConfig       `yaml:"rpc"`
	Wallet  WalletConfig    `yaml:"wallet"`
}

// ChannelConfig holds channel policy.
type ChannelConfig struct {
	// Capacity bounds in satoshis.
	MinCapacity int64 `yaml:"min_capacity"`
	MaxCapacity int64 `yaml:"max_capacity"`

	// DefaultLifetime is used when a create request carries no lifetime.
	DefaultLifetime time.Duration `yaml:"default_lifetime"`

	// ForceCloseTimelock is how long a unilateral close stays disputable.
	ForceCloseTimelock time.Duration `yaml:"force_close_timelock"`

	// FeeRate in sat/vB for close transactions. Both parties must agree.
	FeeRate int64 `yaml:"fee_rate"`

	// UnresponsiveThreshold is the idle time after which channel_sweep
	// force-closes a channel.
	UnresponsiveThreshold time.Duration `yaml:"unresponsive_threshold"`
}

// DisputeConfig holds dispute monitor settings.
type DisputeConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	LookbackBlocks uint32        `yaml:"lookback_blocks"`
	AutoResolve    bool          `yaml:"auto_resolve"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// RPCConfig holds the JSON-RPC listener settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
}

// WalletConfig locates the encrypted seed.
type WalletConfig struct {
	// SeedFile is relative to the data directory unless absolute.
	SeedFile string `yaml:"seed_file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Channel: ChannelConfig{
			MinCapacity:           1_000,
			MaxCapacity:           100_000_000,
			DefaultLifetime:       24 * time.Hour,
			ForceCloseTimelock:    time.Hour,
			FeeRate:               1,
			UnresponsiveThreshold: 6 * time.Hour,
		},
		Dispute: DisputeConfig{
			CheckInterval:  30 * time.Second,
			LookbackBlocks: 144,
			AutoResolve:    true,
		},
		Backend: backend.DefaultConfig(),
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Listen: DefaultRPCListen,
		},
		Wallet: WalletConfig{
			SeedFile: SeedFileName,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !c.Network.IsValid() {
		errs = append(errs, fmt.Errorf("unknown network %q", c.Network))
	}

	ch := c.Channel
	if ch.MinCapacity <= 0 {
		errs = append(errs, fmt.Errorf("channel.min_capacity must be positive"))
	}
	if ch.MinCapacity > ch.MaxCapacity {
		errs = append(errs, fmt.Errorf("channel.min_capacity %d exceeds max_capacity %d", ch.MinCapacity, ch.MaxCapacity))
	}
	if ch.FeeRate <= 0 {
		errs = append(errs, fmt.Errorf("channel.fee_rate must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"channel.default_lifetime":       ch.DefaultLifetime,
		"channel.force_close_timelock":   ch.ForceCloseTimelock,
		"channel.unresponsive_threshold": ch.UnresponsiveThreshold,
		"dispute.check_interval":         c.Dispute.CheckInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Backend != nil {
		switch c.Backend.Type {
		case backend.TypeMempool, backend.TypeEsplora:
		default:
			errs = append(errs, fmt.Errorf("unknown backend type %q", c.Backend.Type))
		}
	}

	if c.RPC.Listen == "" {
		errs = append(errs, fmt.Errorf("rpc.listen cannot be empty"))
	}

	return errors.Join(errs...)
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return ExpandPath(c.Storage.DataDir)
}

// DatabasePath returns the SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir(), DatabaseFileName)
}

// SeedPath returns the encrypted seed location.
func (c *Config) SeedPath() string {
	seed := ExpandPath(c.Wallet.SeedFile)
	if seed == "" {
		seed = SeedFileName
	}
	if filepath.IsAbs(seed) {
		return seed
	}
	return filepath.Join(c.DataDir(), seed)
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A file without storage.data_dir lives in the directory it was loaded from.
	cfg := DefaultConfig()
	cfg.Storage.DataDir = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}
	if cfg.Backend == nil {
		cfg.Backend = backend.DefaultConfig()
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon payment channel daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
