// Package config implements the Client Orchestrator's configuration
// surface (§6, §10): a nested Config struct with DefaultConfig,
// LoadFromFile (YAML), and LoadFromEnv, following the teacher's
// four-stage precedence (defaults -> file -> env -> explicit overrides).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig controls join behavior (§4.1, §4.3).
type NodeConfig struct {
	Namespace string `yaml:"namespace"`
}

// TransportConfig controls the Connection Handler (§4.5, §9).
type TransportConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectFactor    float64       `yaml:"reconnect_factor"`
}

// TickerConfig controls the cooperative scheduler (§4.9).
type TickerConfig struct {
	TargetTickRate time.Duration `yaml:"target_tick_rate"`
}

// LeaseConfig controls join retry and renewal margin (§4.3, §9).
type LeaseConfig struct {
	JoinAttempts         int           `yaml:"join_attempts"`
	JoinDelay            time.Duration `yaml:"join_delay"`
	LeaseRenewalFraction float64       `yaml:"lease_renewal_fraction"`
}

// ExecutionConfig controls the Execution System's worker pool and
// deactivation sweep (§4.8, §5).
type ExecutionConfig struct {
	Workers      int           `yaml:"workers"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	StopDeadline time.Duration `yaml:"stop_deadline"`
}

// ReminderConfig enables the supplemental Reminder Service (§11).
type ReminderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	BatchSize     int           `yaml:"batch_size"`
	S3Bucket      string        `yaml:"s3_bucket"`
	S3Prefix      string        `yaml:"s3_prefix"`
}

// BreakerConfig enables and tunes the Invocation Breaker (§11).
type BreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ErrorPct       float64       `yaml:"error_pct"`
	WindowDuration time.Duration `yaml:"window_duration"`
	OpenDuration   time.Duration `yaml:"open_duration"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Namespace        string    `yaml:"namespace"`
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
	ListenAddr       string    `yaml:"listen_addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level             string `yaml:"level"`
	Format            string `yaml:"format"`
	InvocationLogPath string `yaml:"invocation_log_path"`
}

// ObservabilityConfig bundles tracing/metrics/logging.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is the root configuration struct (§6).
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Transport     TransportConfig     `yaml:"transport"`
	Ticker        TickerConfig        `yaml:"ticker"`
	Lease         LeaseConfig         `yaml:"lease"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Reminders     ReminderConfig      `yaml:"reminders"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level"`
}

// DefaultConfig returns a Config with the defaults named throughout §4 and
// §9 (join attempts 60/1s, lease renewal fraction 0.5, reconnect backoff
// 200ms/x2/30s cap, stop deadline 30s).
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{Namespace: "default"},
		Transport: TransportConfig{
			Endpoint:           "localhost:7070",
			ReconnectBaseDelay: 200 * time.Millisecond,
			ReconnectMaxDelay:  30 * time.Second,
			ReconnectFactor:    2,
		},
		Ticker: TickerConfig{TargetTickRate: 200 * time.Millisecond},
		Lease: LeaseConfig{
			JoinAttempts:         60,
			JoinDelay:            time.Second,
			LeaseRenewalFraction: 0.5,
		},
		Execution: ExecutionConfig{
			Workers:      32,
			IdleTimeout:  10 * time.Minute,
			StopDeadline: 30 * time.Second,
		},
		Reminders: ReminderConfig{
			Enabled:       false,
			Workers:       2,
			PollInterval:  500 * time.Millisecond,
			LeaseDuration: 30 * time.Second,
			BatchSize:     8,
		},
		Breaker: BreakerConfig{
			Enabled:        true,
			ErrorPct:       50,
			WindowDuration: 30 * time.Second,
			OpenDuration:   10 * time.Second,
			HalfOpenProbes: 1,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "meshrt",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "meshrt",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
				ListenAddr:       ":9464",
			},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		},
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies MESHRT_* environment variable overrides, the final
// stage of the four-stage precedence chain.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MESHRT_NAMESPACE"); v != "" {
		cfg.Node.Namespace = v
	}
	if v := os.Getenv("MESHRT_TRANSPORT_ENDPOINT"); v != "" {
		cfg.Transport.Endpoint = v
	}
	if v := os.Getenv("MESHRT_RECONNECT_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.ReconnectBaseDelay = d
		}
	}
	if v := os.Getenv("MESHRT_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.ReconnectMaxDelay = d
		}
	}
	if v := os.Getenv("MESHRT_TICK_RATE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ticker.TargetTickRate = d
		}
	}
	if v := os.Getenv("MESHRT_JOIN_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lease.JoinAttempts = n
		}
	}
	if v := os.Getenv("MESHRT_JOIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lease.JoinDelay = d
		}
	}
	if v := os.Getenv("MESHRT_LEASE_RENEWAL_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Lease.LeaseRenewalFraction = f
		}
	}
	if v := os.Getenv("MESHRT_EXECUTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Execution.Workers = n
		}
	}
	if v := os.Getenv("MESHRT_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Execution.IdleTimeout = d
		}
	}
	if v := os.Getenv("MESHRT_STOP_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Execution.StopDeadline = d
		}
	}
	if v := os.Getenv("MESHRT_REMINDERS_ENABLED"); v != "" {
		cfg.Reminders.Enabled = parseBool(v)
	}
	if v := os.Getenv("MESHRT_REMINDERS_DSN"); v != "" {
		cfg.Reminders.DSN = v
		cfg.Reminders.Enabled = true
	}
	if v := os.Getenv("MESHRT_REMINDERS_S3_BUCKET"); v != "" {
		cfg.Reminders.S3Bucket = v
	}
	if v := os.Getenv("MESHRT_BREAKER_ENABLED"); v != "" {
		cfg.Breaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("MESHRT_BREAKER_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Breaker.ErrorPct = f
		}
	}
	if v := os.Getenv("MESHRT_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("MESHRT_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("MESHRT_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("MESHRT_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("MESHRT_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("MESHRT_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Observability.Metrics.ListenAddr = v
	}
	if v := os.Getenv("MESHRT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MESHRT_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("MESHRT_INVOCATION_LOG_PATH"); v != "" {
		cfg.Observability.Logging.InvocationLogPath = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
