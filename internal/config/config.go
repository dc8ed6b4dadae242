// Package config provides configuration parsing and validation for groupcast.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/groupcast/internal/addresses"
	"github.com/postalsys/groupcast/internal/logging"
)

// Config represents the complete node configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Multicast   MulticastConfig   `yaml:"multicast"`
	Client      ClientConfig      `yaml:"client"`
	ClientCache ClientCacheConfig `yaml:"client_cache"`
	Server      ServerConfig      `yaml:"server"`
	Health      HealthConfig      `yaml:"health"`
}

// AgentConfig contains node identity settings.
type AgentConfig struct {
	ID        string `yaml:"id"`         // "auto" or UUID
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	Alias     string `yaml:"alias"`      // Human-readable name announced to peers
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// MulticastConfig defines the multicast address space and socket options.
type MulticastConfig struct {
	Interface string `yaml:"interface"` // Empty selects the system default
	Port      int    `yaml:"port"`
	Reserved  int64  `yaml:"reserved"`
	Max       int64  `yaml:"max"`
	HopLimit  int    `yaml:"hop_limit"`
	Loopback  bool   `yaml:"loopback"`
}

// ClientConfig tunes the client agent.
type ClientConfig struct {
	AdvertiseInterval time.Duration   `yaml:"advertise_interval"` // 0 disables periodic re-advertisement
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	SolicitRate       float64         `yaml:"solicit_rate"`  // Solicitation replies per second
	SolicitBurst      int             `yaml:"solicit_burst"` // Burst of solicitation replies
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines how the client retries server discovery after the
// session is lost.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// ClientCacheConfig defines the peer cache lifetime.
type ClientCacheConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // 0 leaves eviction to the caller
}

// ServerConfig defines the coordinating server.
type ServerConfig struct {
	Address  string        `yaml:"address"`   // TCP listen address for group sessions
	Alias    string        `yaml:"alias"`     // Sender alias of server messages
	GroupTTL time.Duration `yaml:"group_ttl"` // Lifetime of a group without members
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Multicast: MulticastConfig{
			Port:     addresses.DefaultPort,
			Reserved: addresses.DefaultReserved,
			Max:      addresses.DefaultMax,
			HopLimit: 8,
			Loopback: true,
		},
		Client: ClientConfig{
			AdvertiseInterval: 2 * time.Second,
			ConnectTimeout:    10 * time.Second,
			SolicitRate:       20,
			SolicitBurst:      10,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		ClientCache: ClientCacheConfig{
			MaxAge:        5 * time.Second,
			SweepInterval: 0,
		},
		Server: ServerConfig{
			Address:  "[::]:32769",
			Alias:    "server",
			GroupTTL: 10 * time.Minute,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Agent.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if _, err := logging.ParseFormat(c.Agent.LogFormat); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Multicast.Port < 1 || c.Multicast.Port > 65535 {
		errs = append(errs, "multicast.port must be between 1 and 65535")
	}
	if err := c.Space().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("multicast: %v", err))
	}
	if c.Multicast.HopLimit < 0 || c.Multicast.HopLimit > 255 {
		errs = append(errs, "multicast.hop_limit must be between 0 and 255")
	}

	if c.Client.AdvertiseInterval < 0 {
		errs = append(errs, "client.advertise_interval must not be negative")
	}
	if c.Client.ConnectTimeout <= 0 {
		errs = append(errs, "client.connect_timeout must be positive")
	}
	if c.Client.SolicitRate <= 0 {
		errs = append(errs, "client.solicit_rate must be positive")
	}
	if c.Client.SolicitBurst < 1 {
		errs = append(errs, "client.solicit_burst must be at least 1")
	}
	if c.Client.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "client.reconnect.initial_delay must be positive")
	}
	if c.Client.Reconnect.MaxDelay < c.Client.Reconnect.InitialDelay {
		errs = append(errs, "client.reconnect.max_delay must be >= initial_delay")
	}
	if c.Client.Reconnect.Multiplier < 1 {
		errs = append(errs, "client.reconnect.multiplier must be at least 1")
	}
	if c.Client.Reconnect.Jitter < 0 || c.Client.Reconnect.Jitter > 1 {
		errs = append(errs, "client.reconnect.jitter must be between 0 and 1")
	}

	if c.ClientCache.MaxAge <= 0 {
		errs = append(errs, "client_cache.max_age must be positive")
	}
	if c.ClientCache.SweepInterval < 0 {
		errs = append(errs, "client_cache.sweep_interval must not be negative")
	}

	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		errs = append(errs, fmt.Sprintf("server.address: %v", err))
	}
	if c.Server.GroupTTL <= 0 {
		errs = append(errs, "server.group_ttl must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Space returns the multicast address space described by the config.
func (c *Config) Space() addresses.Space {
	return addresses.Space{
		Prefix:   addresses.DefaultPrefix,
		Reserved: c.Multicast.Reserved,
		Max:      c.Multicast.Max,
	}
}

// String returns the config as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
