// Package config loads the server's configuration, separating settings that
// require a restart to take effect (Startup) from settings that can be
// changed while the server is running (Runtime, behind a RWMutex).
//
// Configuration is loaded from a TOML file and then overridden by RAX_FTP_*
// environment variables, following the same config-file-then-env layering
// the server has always used.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Startup holds configuration that is read once at process start and never
// changes for the lifetime of the server.
type Startup struct {
	BindAddress string `toml:"bind_address"`
	ControlPort uint16 `toml:"control_port"`

	DataPortMin uint16 `toml:"data_port_min"`
	DataPortMax uint16 `toml:"data_port_max"`

	ServerRoot string `toml:"server_root"`

	BufferSize            int `toml:"buffer_size"`
	ConnectionTimeoutSecs int `toml:"connection_timeout_secs"`
	MaxRetries            int `toml:"max_retries"`
	MaxCommandLength      int `toml:"max_command_length"`

	MaxDirectoryDepth int    `toml:"max_directory_depth"`
	MaxUsernameLength int    `toml:"max_username_length"`
	MinClientPort     uint16 `toml:"min_client_port"`

	MetricsAddr string `toml:"metrics_addr"`
}

// ControlSocket returns the bind address and control port as a dial/listen
// address string.
func (s Startup) ControlSocket() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.ControlPort)
}

// ConnectionTimeout returns ConnectionTimeoutSecs as a time.Duration.
func (s Startup) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutSecs) * time.Second
}

// Runtime holds configuration that may be changed while the server runs.
type Runtime struct {
	MaxClients                int   `toml:"max_clients"`
	MaxFileSizeMB             int64 `toml:"max_file_size_mb"`
	BandwidthLimitBytesPerSec int64 `toml:"bandwidth_limit_bytes_per_sec"`
}

// MaxFileSizeBytes returns MaxFileSizeMB converted to bytes.
func (r Runtime) MaxFileSizeBytes() int64 {
	return r.MaxFileSizeMB * 1024 * 1024
}

// SharedRuntime is a thread-safe holder for Runtime, mutable while the
// server is serving connections.
type SharedRuntime struct {
	mu  sync.RWMutex
	cur Runtime
}

// NewSharedRuntime wraps an initial Runtime value.
func NewSharedRuntime(initial Runtime) *SharedRuntime {
	return &SharedRuntime{cur: initial}
}

// Get returns a copy of the current runtime configuration.
func (s *SharedRuntime) Get() Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set replaces the current runtime configuration.
func (s *SharedRuntime) Set(r Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = r
}

// Config is the full, file-shaped configuration before the startup/runtime
// split.
type Config struct {
	Startup
	Runtime
}

// Defaults returns the server's built-in configuration, used when no config
// file is present and no environment overrides are set.
func Defaults() Config {
	return Config{
		Startup: Startup{
			BindAddress:           "0.0.0.0",
			ControlPort:           2121,
			DataPortMin:           2122,
			DataPortMax:           2222,
			ServerRoot:            "./ftproot",
			BufferSize:            8192,
			ConnectionTimeoutSecs: 30,
			MaxRetries:            3,
			MaxCommandLength:      512,
			MaxDirectoryDepth:     3,
			MaxUsernameLength:     64,
			MinClientPort:         1024,
			MetricsAddr:           "",
		},
		Runtime: Runtime{
			MaxClients:                100,
			MaxFileSizeMB:             100,
			BandwidthLimitBytesPerSec: 0,
		},
	}
}

// Load reads path as TOML into Defaults(), then applies RAX_FTP_*
// environment overrides. A missing file at path is not an error: the
// defaults (plus any environment overrides) are used as-is, matching the
// server's historical fall-through-to-defaults behavior for local runs.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides mutates cfg in place based on RAX_FTP_* environment
// variables, matching the names of the TOML fields they shadow.
func applyEnvOverrides(cfg *Config) {
	envString("RAX_FTP_BIND_ADDRESS", &cfg.BindAddress)
	envUint16("RAX_FTP_CONTROL_PORT", &cfg.ControlPort)
	envUint16("RAX_FTP_DATA_PORT_MIN", &cfg.DataPortMin)
	envUint16("RAX_FTP_DATA_PORT_MAX", &cfg.DataPortMax)
	envString("RAX_FTP_SERVER_ROOT", &cfg.ServerRoot)
	envInt("RAX_FTP_BUFFER_SIZE", &cfg.BufferSize)
	envInt("RAX_FTP_CONNECTION_TIMEOUT_SECS", &cfg.ConnectionTimeoutSecs)
	envInt("RAX_FTP_MAX_RETRIES", &cfg.MaxRetries)
	envInt("RAX_FTP_MAX_COMMAND_LENGTH", &cfg.MaxCommandLength)
	envInt("RAX_FTP_MAX_DIRECTORY_DEPTH", &cfg.MaxDirectoryDepth)
	envInt("RAX_FTP_MAX_USERNAME_LENGTH", &cfg.MaxUsernameLength)
	envUint16("RAX_FTP_MIN_CLIENT_PORT", &cfg.MinClientPort)
	envString("RAX_FTP_METRICS_ADDR", &cfg.MetricsAddr)
	envInt("RAX_FTP_MAX_CLIENTS", &cfg.MaxClients)
	envInt64("RAX_FTP_MAX_FILE_SIZE_MB", &cfg.MaxFileSizeMB)
	envInt64("RAX_FTP_BANDWIDTH_LIMIT_BYTES_PER_SEC", &cfg.BandwidthLimitBytesPerSec)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envUint16(key string, dst *uint16) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			*dst = uint16(n)
		}
	}
}

// Validate checks invariants across startup and runtime configuration.
func (c Config) Validate() error {
	if c.ControlPort == 0 {
		return fmt.Errorf("control port cannot be 0")
	}
	if c.DataPortMin >= c.DataPortMax {
		return fmt.Errorf("data_port_min must be less than data_port_max")
	}
	if c.DataPortMax-c.DataPortMin < 10 {
		return fmt.Errorf("data port range too small (need at least 10 ports)")
	}
	if c.ServerRoot == "" {
		return fmt.Errorf("server_root cannot be empty")
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be greater than 0")
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max_file_size_mb must be greater than 0")
	}
	return nil
}

// Split separates c into its immutable Startup half and a SharedRuntime
// wrapping its Runtime half.
func (c Config) Split() (Startup, *SharedRuntime) {
	return c.Startup, NewSharedRuntime(c.Runtime)
}
