// Package config provides configuration loading for workspaced.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (ORCHESTRATOR_MIN_COMPLETED_TASKS, SERVER_PORT, ...)
//  2. YAML config file, when configPath is non-empty
//  3. Hardcoded defaults
//
// Environment variables map to config keys by splitting on the first
// underscore: SECTION_FIELD_NAME -> section.field_name. Examples:
//
//	SERVER_PORT                        -> server.port
//	ORCHESTRATOR_BUSINESS_VALUE_THRESHOLD -> orchestrator.business_value_threshold
//	RECOVERY_SWEEP_INTERVAL            -> recovery.sweep_interval
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envTransform maps SECTION_FIELD_NAME environment variables to
// section.field_name config keys. Variables without a known section prefix
// are ignored so unrelated environment noise never lands in the config tree.
func envTransform(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	switch parts[0] {
	case "server", "store", "orchestrator", "recovery", "events", "synthesis", "logging", "telemetry":
		return parts[0] + "." + parts[1]
	}
	return ""
}

// Default returns the configuration defaults without reading the environment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "workspaced.db"
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = Duration(5 * time.Second)
	}

	if cfg.Orchestrator.MinCompletedTasks == 0 {
		cfg.Orchestrator.MinCompletedTasks = 2
	}
	if cfg.Orchestrator.BusinessValueThreshold == 0 {
		cfg.Orchestrator.BusinessValueThreshold = 0.6
	}
	if cfg.Orchestrator.ReadinessThreshold == 0 {
		cfg.Orchestrator.ReadinessThreshold = 0.90
	}
	if cfg.Orchestrator.PartialReadinessThreshold == 0 {
		cfg.Orchestrator.PartialReadinessThreshold = 0.70
	}
	if cfg.Orchestrator.PartialReadinessMinTasks == 0 {
		cfg.Orchestrator.PartialReadinessMinTasks = 3
	}
	if cfg.Orchestrator.CooldownSeconds == 0 {
		cfg.Orchestrator.CooldownSeconds = 300
	}
	if cfg.Orchestrator.MaxDeliverables == 0 {
		cfg.Orchestrator.MaxDeliverables = 10
	}
	if cfg.Orchestrator.SynthesisTimeout == 0 {
		cfg.Orchestrator.SynthesisTimeout = Duration(30 * time.Second)
	}

	if cfg.Recovery.SweepInterval == 0 {
		cfg.Recovery.SweepInterval = Duration(5 * time.Minute)
	}
	if cfg.Recovery.CheckpointTTL == 0 {
		cfg.Recovery.CheckpointTTL = Duration(time.Hour)
	}
	if cfg.Recovery.ProcessingTimeout == 0 {
		cfg.Recovery.ProcessingTimeout = Duration(15 * time.Minute)
	}
	if cfg.Recovery.RecoveringTimeout == 0 {
		cfg.Recovery.RecoveringTimeout = Duration(10 * time.Minute)
	}
	if cfg.Recovery.CatchUpGracePeriod == 0 {
		cfg.Recovery.CatchUpGracePeriod = Duration(10 * time.Minute)
	}
	if cfg.Recovery.CatchUpRatePerSecond == 0 {
		cfg.Recovery.CatchUpRatePerSecond = 5
	}
	if cfg.Recovery.MaxRepairAttempts == 0 {
		cfg.Recovery.MaxRepairAttempts = 3
	}
	if cfg.Recovery.SweepConcurrency == 0 {
		cfg.Recovery.SweepConcurrency = 8
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "workspaced.tasks.completed"
	}
	if cfg.Events.Queue == "" {
		cfg.Events.Queue = "workspaced"
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "WORKSPACED_TASKS"
	}

	if cfg.Synthesis.Mode == "" {
		cfg.Synthesis.Mode = "nats"
	}
	if cfg.Synthesis.RequestSubject == "" {
		cfg.Synthesis.RequestSubject = "workspaced.synthesis.requests"
	}
	if cfg.Synthesis.ResultSubject == "" {
		cfg.Synthesis.ResultSubject = "workspaced.synthesis.results"
	}
	if cfg.Synthesis.TemporalHost == "" {
		cfg.Synthesis.TemporalHost = "localhost:7233"
	}
	if cfg.Synthesis.TaskQueue == "" {
		cfg.Synthesis.TaskQueue = "workspaced-synthesis"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "workspaced"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}
