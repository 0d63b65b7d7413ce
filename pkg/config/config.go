// Package config defines the unified configuration for a magnetar process:
// one Config structure covering the store, the ingestion path, logging and
// observability, loaded from YAML with ${VAR} environment substitution.
package config

import (
	"runtime"
	"time"

	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/store"
)

// Config is the root configuration.
type Config struct {
	Store         store.Config        `yaml:"store" json:"store"`
	Ingest        IngestConfig        `yaml:"ingest" json:"ingest"`
	GC            GCConfig            `yaml:"gc" json:"gc"`
	Logging       logger.Config       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// IngestConfig controls the ingestion worker.
type IngestConfig struct {
	// QueueSize bounds the number of chunks waiting to be inserted.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// Workers is the number of insert workers draining the queue.
	Workers int `yaml:"workers" json:"workers"`
	// DropOnFull drops chunks (with a warning) when the queue is full
	// instead of blocking the producer.
	DropOnFull bool `yaml:"drop_on_full" json:"drop_on_full"`
	// FlushTimeout bounds how long Close waits for the queue to drain.
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`
}

// GCConfig controls the memory watchdog that triggers collections.
type GCConfig struct {
	// MemoryLimitBytes is the retained-bytes threshold above which the
	// watchdog collects. Zero disables the watchdog.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`
	// ProcessMemoryFraction additionally triggers when the process RSS
	// exceeds this fraction of total system memory. Zero disables it.
	ProcessMemoryFraction float64 `yaml:"process_memory_fraction" json:"process_memory_fraction"`
	// TargetFraction is how much of the store each triggered collection
	// tries to free.
	TargetFraction float64 `yaml:"target_fraction" json:"target_fraction"`
	// ProtectLatest keeps the newest chunk per entity and component.
	ProtectLatest bool `yaml:"protect_latest" json:"protect_latest"`
	// CheckInterval is how often the watchdog samples memory.
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
}

// ObservabilityConfig controls tracing.
type ObservabilityConfig struct {
	// EnableTracing turns on the OpenTelemetry tracer provider.
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TraceStdout writes finished spans to stdout, for development.
	TraceStdout bool `yaml:"trace_stdout" json:"trace_stdout"`
	// ServiceName labels emitted telemetry.
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: store.DefaultConfig(),
		Ingest: IngestConfig{
			QueueSize:    1024,
			Workers:      runtime.NumCPU(),
			DropOnFull:   false,
			FlushTimeout: 10 * time.Second,
		},
		GC: GCConfig{
			TargetFraction: 0.3,
			ProtectLatest:  true,
			CheckInterval:  time.Second,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName: "magnetar",
		},
	}
}

// Validate checks cross-field constraints, filling defaults for zero values
// first.
func (c *Config) Validate() error {
	def := Default()
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = def.Ingest.QueueSize
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = def.Ingest.Workers
	}
	if c.Ingest.FlushTimeout == 0 {
		c.Ingest.FlushTimeout = def.Ingest.FlushTimeout
	}
	if c.GC.TargetFraction == 0 {
		c.GC.TargetFraction = def.GC.TargetFraction
	}
	if c.GC.CheckInterval == 0 {
		c.GC.CheckInterval = def.GC.CheckInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = def.Logging.Encoding
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = def.Observability.ServiceName
	}

	if c.Ingest.QueueSize < 0 {
		return magerrors.Newf(magerrors.ErrorTypeConfig, "ingest.queue_size must be >= 0, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.Workers < 1 {
		return magerrors.Newf(magerrors.ErrorTypeConfig, "ingest.workers must be >= 1, got %d", c.Ingest.Workers)
	}
	if c.GC.MemoryLimitBytes < 0 {
		return magerrors.Newf(magerrors.ErrorTypeConfig, "gc.memory_limit_bytes must be >= 0, got %d", c.GC.MemoryLimitBytes)
	}
	if f := c.GC.ProcessMemoryFraction; f < 0 || f > 1 {
		return magerrors.Newf(magerrors.ErrorTypeConfig, "gc.process_memory_fraction must be in [0, 1], got %v", f)
	}
	if f := c.GC.TargetFraction; f <= 0 || f > 1 {
		return magerrors.Newf(magerrors.ErrorTypeConfig, "gc.target_fraction must be in (0, 1], got %v", f)
	}
	return nil
}
