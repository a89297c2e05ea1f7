// Package config provides configuration loading for accord.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultStateDir        = ".accord"
	DefaultMaxRevisions    = 3
	DefaultMaxDebateRounds = 3
	DefaultRetries         = 5
	DefaultSubjectPrefix   = "accord.events"
)

// Config is the full accord configuration.
type Config struct {
	State         StateConfig         `koanf:"state"`
	Orchestration OrchestrationConfig `koanf:"orchestration"`
	Escalation    EscalationConfig    `koanf:"escalation"`
	Events        EventsConfig        `koanf:"events"`
	Logging       LoggingConfig       `koanf:"logging"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

// StateConfig controls the coordination-state root.
type StateConfig struct {
	Dir         string   `koanf:"dir"`
	LockTimeout Duration `koanf:"lock_timeout"`
	LockStale   Duration `koanf:"lock_stale"`
	// Retries bounds read-modify-write attempts on a contended record.
	Retries int `koanf:"retries"`
}

// OrchestrationConfig holds approval policy and limits. It is copied into
// every orchestration record at creation.
type OrchestrationConfig struct {
	RequirePMApproval   bool `koanf:"require_pm_approval" json:"require_pm_approval"`
	RequireUserApproval bool `koanf:"require_user_approval" json:"require_user_approval"`
	AutoApproveLowRisk  bool `koanf:"auto_approve_low_risk" json:"auto_approve_low_risk"`
	MaxRevisions        int  `koanf:"max_revisions" json:"max_revisions"`
	MaxDebateRounds     int  `koanf:"max_debate_rounds" json:"max_debate_rounds"`
}

// EscalationConfig controls escalation thread storage.
type EscalationConfig struct {
	// Persist keeps threads under the state root. With it off, threads live
	// in process memory and do not outlive a single CLI invocation.
	Persist bool `koanf:"persist"`
}

// EventsConfig controls outcome notifications published over NATS.
type EventsConfig struct {
	Enabled       bool     `koanf:"enabled"`
	URL           string   `koanf:"url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Token         Secret   `koanf:"token"`
	Timeout       Duration `koanf:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level        string   `koanf:"level"`
	Format       string   `koanf:"format"`
	OTEL         bool     `koanf:"otel"`
	Caller       bool     `koanf:"caller"`
	Sampling     bool     `koanf:"sampling"`
	SamplingTick Duration `koanf:"sampling_tick"`
}

// TelemetryConfig controls OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol       string `koanf:"protocol"`
	Insecure       bool   `koanf:"insecure"`
	TLSSkipVerify  bool   `koanf:"tls_skip_verify"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	// SampleRate is the fraction of root traces kept, 0 to 1.
	SampleRate      float64  `koanf:"sample_rate"`
	Metrics         bool     `koanf:"metrics"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir:         DefaultStateDir,
			LockTimeout: Duration(2 * time.Second),
			LockStale:   Duration(10 * time.Second),
			Retries:     DefaultRetries,
		},
		Orchestration: DefaultOrchestration(),
		Escalation:    EscalationConfig{Persist: true},
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: DefaultSubjectPrefix,
			Timeout:       Duration(2 * time.Second),
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			SamplingTick: Duration(time.Second),
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "accord",
			ServiceVersion:  "0.1.0",
			SampleRate:      1.0,
			Metrics:         true,
			MetricsInterval: Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// DefaultOrchestration returns the default approval policy.
func DefaultOrchestration() OrchestrationConfig {
	return OrchestrationConfig{
		RequirePMApproval:   true,
		RequireUserApproval: true,
		AutoApproveLowRisk:  false,
		MaxRevisions:        DefaultMaxRevisions,
		MaxDebateRounds:     DefaultMaxDebateRounds,
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.State.Dir) == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.State.Retries < 1 {
		return fmt.Errorf("state.retries must be >= 1, got %d", c.State.Retries)
	}
	if err := c.Orchestration.Validate(); err != nil {
		return err
	}
	if c.Events.Enabled {
		if c.Events.URL == "" {
			return fmt.Errorf("events.url is required when events are enabled")
		}
		if c.Events.SubjectPrefix == "" || strings.ContainsAny(c.Events.SubjectPrefix, " \t*>") {
			return fmt.Errorf("events.subject_prefix %q is not a valid subject", c.Events.SubjectPrefix)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Logging.Sampling && c.Logging.SamplingTick.Duration() <= 0 {
		return fmt.Errorf("logging.sampling_tick must be > 0 when sampling enabled")
	}
	return c.Telemetry.Validate()
}

// Validate checks the exporter settings when telemetry is enabled.
func (t TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if t.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name is required when telemetry is enabled")
	}
	switch t.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", t.Protocol)
	}
	// plaintext export only to this host
	if t.Insecure && !isLocalEndpoint(t.Endpoint) {
		return fmt.Errorf("telemetry.insecure is only allowed for local endpoints, got %q", t.Endpoint)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", t.SampleRate)
	}
	if t.Metrics && t.MetricsInterval.Duration() <= 0 {
		return fmt.Errorf("telemetry.metrics_interval must be > 0 when metrics are enabled")
	}
	if t.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("telemetry.shutdown_timeout must be > 0")
	}
	return nil
}

// isLocalEndpoint reports whether endpoint (host:port, optionally with an
// http scheme) names the loopback interface.
func isLocalEndpoint(endpoint string) bool {
	hostport := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Validate checks the orchestration limits.
func (o OrchestrationConfig) Validate() error {
	if o.MaxRevisions < 0 {
		return fmt.Errorf("orchestration.max_revisions must be >= 0, got %d", o.MaxRevisions)
	}
	if o.MaxDebateRounds < 1 {
		return fmt.Errorf("orchestration.max_debate_rounds must be >= 1, got %d", o.MaxDebateRounds)
	}
	return nil
}
