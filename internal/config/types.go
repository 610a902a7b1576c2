// Package config defines the engine configuration document.
package config

import "time"

// Config is the root of pipeflow.yaml.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Workers      WorkersConfig      `yaml:"workers"`
	Lock         LockConfig         `yaml:"lock"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Governance   GovernanceConfig   `yaml:"governance"`
	NATS         NATSConfig         `yaml:"nats"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Intervention InterventionConfig `yaml:"intervention"`
}

// LogConfig selects the logging adapter.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,log_level"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json console"`
}

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the persistence store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count     int `yaml:"count" validate:"gte=1"`
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

// LockConfig bounds the resume lock.
type LockConfig struct {
	WaitTimeout string `yaml:"wait_timeout" validate:"required,duration"`
	HoldTimeout string `yaml:"hold_timeout" validate:"required,duration"`
}

// AdmissionConfig limits concurrent executions per pipeline. Zero disables
// admission control.
type AdmissionConfig struct {
	MaxConcurrentPerPipeline int            `yaml:"max_concurrent_per_pipeline" validate:"gte=0"`
	AccountLimits            map[string]int `yaml:"account_limits" validate:"dive,gte=0"`
}

// GovernanceConfig points at a directory of Rego policies. An empty
// PolicyDir allows every run.
type GovernanceConfig struct {
	PolicyDir string `yaml:"policy_dir"`
	Query     string `yaml:"query"`
}

// NATSConfig enables cross-process wait-token delivery and event fan-out.
type NATSConfig struct {
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `yaml:"service_name"`
}

// MetricsConfig exposes /metrics and /healthz.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// InterventionConfig sets the default operator timeout.
type InterventionConfig struct {
	Timeout string `yaml:"timeout" validate:"required,duration"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:          LogConfig{Level: "info", Format: "text"},
		Database:     DatabaseConfig{Driver: DriverMemory},
		Workers:      WorkersConfig{Count: 8, QueueSize: 256},
		Lock:         LockConfig{WaitTimeout: "10s", HoldTimeout: "60s"},
		Governance:   GovernanceConfig{Query: "data.pipeflow.governance"},
		NATS:         NATSConfig{SubjectPrefix: "pipeflow"},
		Tracing:      TracingConfig{SampleRatio: 1, ServiceName: "pipeflow"},
		Metrics:      MetricsConfig{Listen: ":9464"},
		Intervention: InterventionConfig{Timeout: "24h"},
	}
}

// WaitDuration parses the lock wait timeout. Values have been validated.
func (c LockConfig) WaitDuration() time.Duration { return mustDuration(c.WaitTimeout) }

// HoldDuration parses the lock hold timeout.
func (c LockConfig) HoldDuration() time.Duration { return mustDuration(c.HoldTimeout) }

// Duration parses the intervention timeout.
func (c InterventionConfig) Duration() time.Duration { return mustDuration(c.Timeout) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
