// Package config loads Config, the flat environment-driven
// configuration struct used by cmd/lockd: caarlos0/env
// struct tags plus an optional godotenv load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob a lockd replica process
// needs at startup. Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Identity and cluster membership.
	ListenAddr string `env:"LOCKD_ADDR" envDefault:":7070"`
	Peers      string `env:"LOCKD_PEERS" envDefault:""` // comma-separated addr list, includes self
	SelfIndex  int    `env:"LOCKD_SELF_INDEX" envDefault:"0"`
	PaxosDir   string `env:"LOCKD_PAXOS_DIR" envDefault:"./data/paxos"`

	// RPC server sizing.
	RPCWorkers    int `env:"LOCKD_RPC_WORKERS" envDefault:"6"`
	RPCQueueDepth int `env:"LOCKD_RPC_QUEUE_DEPTH" envDefault:"600"`

	// Fault injection and periodic dispatch-count diagnostics.
	RPCLossy int    `env:"RPC_LOSSY" envDefault:"0"`
	RPCCount uint64 `env:"RPC_COUNT" envDefault:"0"`

	// Caching lock server revoke/retry callback throttle (§4.E, rate.Limiter).
	CallbackRate int `env:"LOCKD_CALLBACK_RATE" envDefault:"1000"`

	// View configuration heartbeat cadence override, mostly for tests
	// that want a faster failure detector than the 3s default.
	HeartbeatInterval time.Duration `env:"LOCKD_HEARTBEAT_INTERVAL" envDefault:"3s"`

	// Observability.
	DiagnosticsAddr string `env:"LOCKD_DIAGNOSTICS_ADDR" envDefault:":9070"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"json"`

	// Sideband view-change observability, optional.
	NATSUrl string `env:"NATS_URL" envDefault:""`
}

// Members splits Peers into its address list.
func (c *Config) Members() []string {
	if c.Peers == "" {
		return nil
	}
	parts := strings.Split(c.Peers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("config: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("config: loaded overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that could never run correctly.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LOCKD_ADDR is required")
	}
	if c.RPCWorkers < 1 {
		return fmt.Errorf("LOCKD_RPC_WORKERS must be > 0, got %d", c.RPCWorkers)
	}
	if c.RPCLossy < 0 || c.RPCLossy > 100 {
		return fmt.Errorf("RPC_LOSSY must be 0-100, got %d", c.RPCLossy)
	}
	if c.SelfIndex < 0 {
		return fmt.Errorf("LOCKD_SELF_INDEX must be >= 0, got %d", c.SelfIndex)
	}
	members := c.Members()
	if len(members) > 0 && c.SelfIndex >= len(members) {
		return fmt.Errorf("LOCKD_SELF_INDEX %d out of range for %d peers", c.SelfIndex, len(members))
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration at Info.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("listen_addr", c.ListenAddr).
		Strs("peers", c.Members()).
		Int("self_index", c.SelfIndex).
		Str("paxos_dir", c.PaxosDir).
		Int("rpc_workers", c.RPCWorkers).
		Int("rpc_lossy", c.RPCLossy).
		Uint64("rpc_count", c.RPCCount).
		Int("callback_rate", c.CallbackRate).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Str("diagnostics_addr", c.DiagnosticsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("config: loaded")
}
