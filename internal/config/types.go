package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for friendly config parsing.
// Accepts Go duration strings ("30s", "5m") and raw nanosecond integers.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the root configuration for the workspaced daemon.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Recovery     RecoveryConfig     `koanf:"recovery"`
	Events       EventsConfig       `koanf:"events"`
	Synthesis    SynthesisConfig    `koanf:"synthesis"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig configures the SQLite-backed shared store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" opens an in-memory store.
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// OrchestratorConfig holds the deliverable trigger policy.
//
// The readiness rule is two-path: a goal at or above ReadinessThreshold
// qualifies on its own; a goal at or above PartialReadinessThreshold
// qualifies only with at least PartialReadinessMinTasks completed
// contributing tasks.
type OrchestratorConfig struct {
	MinCompletedTasks         int      `koanf:"min_completed_tasks"`
	BusinessValueThreshold    float64  `koanf:"business_value_threshold"`
	ReadinessThreshold        float64  `koanf:"readiness_threshold"`
	PartialReadinessThreshold float64  `koanf:"partial_readiness_threshold"`
	PartialReadinessMinTasks  int      `koanf:"partial_readiness_min_tasks"`
	CooldownSeconds           int      `koanf:"cooldown_seconds"`
	MaxDeliverables           int      `koanf:"max_deliverables"`
	SynthesisTimeout          Duration `koanf:"synthesis_timeout"`
}

// Cooldown returns the cooldown as a duration.
func (c OrchestratorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RecoveryConfig configures the recovery monitor.
type RecoveryConfig struct {
	SweepInterval        Duration `koanf:"sweep_interval"`
	CheckpointTTL        Duration `koanf:"checkpoint_ttl"`
	ProcessingTimeout    Duration `koanf:"processing_timeout"`
	RecoveringTimeout    Duration `koanf:"recovering_timeout"`
	CatchUpGracePeriod   Duration `koanf:"catchup_grace_period"`
	CatchUpRatePerSecond float64  `koanf:"catchup_rate_per_second"`
	MaxRepairAttempts    int      `koanf:"max_repair_attempts"`
	SweepConcurrency     int      `koanf:"sweep_concurrency"`
}

// EventsConfig configures task-completion event ingestion over NATS.
type EventsConfig struct {
	// URL is the NATS server to connect to. Ignored when Embedded is true.
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	// Subject is the task-completion subject.
	Subject string `koanf:"subject"`
	// Queue is the queue group name so multiple daemons share the stream.
	Queue  string `koanf:"queue"`
	Stream string `koanf:"stream"`
}

// SynthesisConfig configures the deliverable synthesis handoff.
type SynthesisConfig struct {
	// Mode selects the handoff path: "nats" publishes synthesis requests for an
	// external generator fleet, "temporal" runs the durable workflow.
	Mode           string `koanf:"mode"`
	RequestSubject string `koanf:"request_subject"`
	ResultSubject  string `koanf:"result_subject"`
	TemporalHost   string `koanf:"temporal_host"`
	TaskQueue      string `koanf:"task_queue"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"`
	Insecure       bool    `koanf:"insecure"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	SampleRate     float64 `koanf:"sample_rate"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Orchestrator.MinCompletedTasks < 0 {
		return fmt.Errorf("orchestrator.min_completed_tasks must be >= 0")
	}
	if c.Orchestrator.ReadinessThreshold <= 0 || c.Orchestrator.ReadinessThreshold > 1 {
		return fmt.Errorf("orchestrator.readiness_threshold must be in (0, 1], got %v", c.Orchestrator.ReadinessThreshold)
	}
	if c.Orchestrator.PartialReadinessThreshold <= 0 || c.Orchestrator.PartialReadinessThreshold > c.Orchestrator.ReadinessThreshold {
		return fmt.Errorf("orchestrator.partial_readiness_threshold must be in (0, readiness_threshold], got %v", c.Orchestrator.PartialReadinessThreshold)
	}
	if c.Orchestrator.BusinessValueThreshold < 0 || c.Orchestrator.BusinessValueThreshold > 1 {
		return fmt.Errorf("orchestrator.business_value_threshold must be in [0, 1], got %v", c.Orchestrator.BusinessValueThreshold)
	}
	if c.Orchestrator.MaxDeliverables <= 0 {
		return fmt.Errorf("orchestrator.max_deliverables must be > 0, got %d", c.Orchestrator.MaxDeliverables)
	}
	if c.Recovery.SweepInterval.Duration() <= 0 {
		return fmt.Errorf("recovery.sweep_interval must be > 0")
	}
	if c.Recovery.CheckpointTTL.Duration() <= 0 {
		return fmt.Errorf("recovery.checkpoint_ttl must be > 0")
	}
	if c.Recovery.MaxRepairAttempts <= 0 {
		return fmt.Errorf("recovery.max_repair_attempts must be > 0")
	}
	switch c.Synthesis.Mode {
	case "nats", "temporal", "none":
	default:
		return fmt.Errorf("synthesis.mode must be one of nats, temporal, none; got %q", c.Synthesis.Mode)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}
