package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/peermesh/pkg/types"
)

// Config represents the complete node network configuration
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig contains identity and handshake settings
type NetworkConfig struct {
	// Name is the network identifier exchanged during the identify
	// handshake. Peers on a different network are banned.
	Name string `yaml:"name"`

	// ClientVersion is the version string advertised to peers
	ClientVersion string `yaml:"client_version"`

	// ListenAddrs are the local listen addresses (multiaddr strings)
	ListenAddrs []string `yaml:"listen_addrs"`

	// HandshakeTimeoutSecs is how long a peer has to send its identify
	// payload after the protocol opens (default: 8)
	HandshakeTimeoutSecs int `yaml:"handshake_timeout_secs"`

	// GlobalIPOnly rejects private/loopback/link-local addresses from both
	// advertisement and acceptance (default: true)
	GlobalIPOnly *bool `yaml:"global_ip_only"`

	// RequiredFlags is the capability bitmask outbound peers must support
	RequiredFlags uint64 `yaml:"required_flags"`
}

// StoreConfig contains peer store persistence settings
type StoreConfig struct {
	// Path is where the peer address book snapshot is written
	Path string `yaml:"path"`
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for /metrics (default: 127.0.0.1:9633)
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns the default configuration
func Default() *Config {
	globalOnly := true
	return &Config{
		Network: NetworkConfig{
			Name:                 "/peermesh/mainnet",
			ClientVersion:        "peermesh/0.1.0",
			ListenAddrs:          []string{"/ip4/0.0.0.0/tcp/9615"},
			HandshakeTimeoutSecs: int(types.HandshakeTimeout / time.Second),
			GlobalIPOnly:         &globalOnly,
			RequiredFlags:        uint64(types.FlagFullNode),
		},
		Store: StoreConfig{
			Path: "peerstore.json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9633",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// HandshakeTimeout returns the configured handshake timeout as a duration.
func (n NetworkConfig) HandshakeTimeout() time.Duration {
	if n.HandshakeTimeoutSecs <= 0 {
		return types.HandshakeTimeout
	}
	return time.Duration(n.HandshakeTimeoutSecs) * time.Second
}

// IsGlobalIPOnly returns the address filtering policy, defaulting to true.
func (n NetworkConfig) IsGlobalIPOnly() bool {
	if n.GlobalIPOnly == nil {
		return true
	}
	return *n.GlobalIPOnly
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Network.Name == "" {
		return fmt.Errorf("network.name must not be empty")
	}
	if c.Network.ClientVersion == "" {
		return fmt.Errorf("network.client_version must not be empty")
	}
	if c.Network.RequiredFlags == 0 {
		return fmt.Errorf("network.required_flags must not be zero")
	}
	for _, addr := range c.Network.ListenAddrs {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen addr %q: %w", addr, err)
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	return nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to disk. The write is atomic: data is
// written to a temporary file and then renamed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
