// Package config loads and validates the swarm daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s"
// or "5m" instead of raw nanosecond integers.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level swarm daemon configuration.
type Config struct {
	General    General    `toml:"general"`
	AgentPool  AgentPool  `toml:"agent_pool"`
	Retry      Retry      `toml:"retry"`
	Timer      Timer      `toml:"timer"`
	Workspace  Workspace  `toml:"workspace"`
	Quality    Quality    `toml:"quality"`
	EventStore EventStore `toml:"event_store"`
	Temporal   Temporal   `toml:"temporal"`
}

// General holds daemon-wide settings.
type General struct {
	LogLevel      string   `toml:"log_level"`      // debug, info, warn, error
	HandoffDir    string   `toml:"handoff_dir"`    // where hand-off marker files live
	DrainInterval Duration `toml:"drain_interval"` // how often Ready beads are dispatched
	PollInterval  Duration `toml:"poll_interval"`  // how often hand-off markers are polled
}

// AgentPool configures agent health monitoring (internal/agentpool).
type AgentPool struct {
	HeartbeatTimeout    Duration `toml:"heartbeat_timeout"`
	MaxConsecutiveFails int      `toml:"max_consecutive_fails"`
	CheckInterval       Duration `toml:"check_interval"`
}

// Retry configures the coordinator's exponential backoff (internal/swarm).
type Retry struct {
	MaxRetries int      `toml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay"`
	MaxDelay   Duration `toml:"max_delay"`
	Multiplier float64  `toml:"multiplier"`
	Jitter     bool     `toml:"jitter"`
}

// Timer configures the durable timer scheduler (internal/timer).
type Timer struct {
	DBPath       string   `toml:"db_path"`
	PollInterval Duration `toml:"poll_interval"`
	PruneAfter   Duration `toml:"prune_after"`
}

// Workspace selects and configures the bead workspace backend
// (internal/workspace): "dir" for plain local directories, "docker" for
// one throwaway container per bead.
type Workspace struct {
	Backend string `toml:"backend"` // "dir" or "docker"
	Root    string `toml:"root"`    // DirBackend root directory
	Image   string `toml:"image"`   // DockerBackend image
}

// Quality configures the quality gates run before an Implementation phase
// completion is accepted (internal/swarm).
type Quality struct {
	Enabled             bool     `toml:"enabled"`
	NoTODOExtensions    []string `toml:"no_todo_extensions"`
	ComplianceThreshold float64  `toml:"compliance_threshold"`
	ComplianceExtension string   `toml:"compliance_extension"`
}

// EventStore selects and configures the event log backend
// (internal/eventstore): "memory" for tests/small deployments, "sqlite"
// for durable persistence.
type EventStore struct {
	Backend string `toml:"backend"` // "memory" or "sqlite"
	DBPath  string `toml:"db_path"`
}

// Temporal configures the optional Temporal-backed execution driver
// (internal/workflow). Enabled defaults to false. When true, swarmd also
// starts a Temporal worker; the coordinator drives beads in-process either
// way.
type Temporal struct {
	Enabled      bool     `toml:"enabled"`
	HostPort     string   `toml:"host_port"`
	PollInterval Duration `toml:"poll_interval"`
}

// Load reads, defaults, and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.HandoffDir == "" {
		cfg.General.HandoffDir = "./handoffs"
	}
	if cfg.General.DrainInterval.Duration == 0 {
		cfg.General.DrainInterval.Duration = time.Second
	}
	if cfg.General.PollInterval.Duration == 0 {
		cfg.General.PollInterval.Duration = time.Second
	}

	if cfg.AgentPool.HeartbeatTimeout.Duration == 0 {
		cfg.AgentPool.HeartbeatTimeout.Duration = 30 * time.Second
	}
	if cfg.AgentPool.MaxConsecutiveFails == 0 {
		cfg.AgentPool.MaxConsecutiveFails = 3
	}
	if cfg.AgentPool.CheckInterval.Duration == 0 {
		cfg.AgentPool.CheckInterval.Duration = 5 * time.Second
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay.Duration == 0 {
		cfg.Retry.BaseDelay.Duration = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 5 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}

	if cfg.Timer.DBPath == "" {
		cfg.Timer.DBPath = "./timers.db"
	}
	if cfg.Timer.PollInterval.Duration == 0 {
		cfg.Timer.PollInterval.Duration = time.Second
	}
	if cfg.Timer.PruneAfter.Duration == 0 {
		cfg.Timer.PruneAfter.Duration = 7 * 24 * time.Hour
	}

	if cfg.Workspace.Backend == "" {
		cfg.Workspace.Backend = "dir"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "./workspaces"
	}

	if cfg.Quality.ComplianceThreshold == 0 {
		cfg.Quality.ComplianceThreshold = 0.8
	}

	if cfg.EventStore.Backend == "" {
		cfg.EventStore.Backend = "sqlite"
	}
	if cfg.EventStore.DBPath == "" {
		cfg.EventStore.DBPath = "./events.db"
	}

	if cfg.Temporal.PollInterval.Duration == 0 {
		cfg.Temporal.PollInterval.Duration = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &beadcore.ConfigError{Key: "general.log_level", Reason: "must be one of debug, info, warn, error"}
	}

	switch cfg.Workspace.Backend {
	case "dir":
	case "docker":
		if cfg.Workspace.Image == "" {
			return &beadcore.ConfigError{Key: "workspace.image", Reason: "required when workspace.backend is \"docker\""}
		}
	default:
		return &beadcore.ConfigError{Key: "workspace.backend", Reason: "must be \"dir\" or \"docker\""}
	}

	switch cfg.EventStore.Backend {
	case "memory", "sqlite":
	default:
		return &beadcore.ConfigError{Key: "event_store.backend", Reason: "must be \"memory\" or \"sqlite\""}
	}

	if cfg.Retry.MaxRetries < 0 {
		return &beadcore.ConfigError{Key: "retry.max_retries", Reason: "must be >= 0"}
	}
	if cfg.Retry.Multiplier < 1.0 {
		return &beadcore.ConfigError{Key: "retry.multiplier", Reason: "must be >= 1.0"}
	}
	if cfg.AgentPool.MaxConsecutiveFails <= 0 {
		return &beadcore.ConfigError{Key: "agent_pool.max_consecutive_fails", Reason: "must be > 0"}
	}
	if cfg.Temporal.Enabled && cfg.Temporal.HostPort == "" {
		return &beadcore.ConfigError{Key: "temporal.host_port", Reason: "required when temporal.enabled is true"}
	}

	return nil
}
