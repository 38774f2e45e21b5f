// SPDX-License-Identifier: MIT

// Package config loads pipeline configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"time"
)

// AppConfig is the root configuration for the submission pipeline.
type AppConfig struct {
	Log     LogConfig     `yaml:"log"`
	Capture CaptureConfig `yaml:"capture"`
	Upload  UploadConfig  `yaml:"upload"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// CaptureConfig bounds the audio capture session.
type CaptureConfig struct {
	// ChunkInterval is the nominal chunk materialization cadence.
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	// MinChunkInterval is the floor applied under critical memory pressure.
	MinChunkInterval time.Duration `yaml:"min_chunk_interval"`
	// MaxChunkBytes bounds a single chunk before an out-of-band flush.
	MaxChunkBytes int64 `yaml:"max_chunk_bytes"`
	// MaxDuration is the nominal recording duration ceiling.
	MaxDuration time.Duration `yaml:"max_duration"`
	// MaxBytes is the nominal recording size ceiling.
	MaxBytes int64 `yaml:"max_bytes"`
	// WarnFraction of a limit at which a warning event fires.
	WarnFraction float64 `yaml:"warn_fraction"`
}

// UploadConfig configures the chunk upload orchestrator.
type UploadConfig struct {
	Endpoint string `yaml:"endpoint"`
	// ChunkSize is the byte size of individual upload chunks.
	ChunkSize int64 `yaml:"chunk_size"`
	// ChunkThreshold below which a blob is sent single-shot.
	ChunkThreshold int64 `yaml:"chunk_threshold"`
	// MaxBlobBytes is the absolute blob size ceiling.
	MaxBlobBytes int64 `yaml:"max_blob_bytes"`
	// MaxRetries bounds per-chunk attempts.
	MaxRetries int `yaml:"max_retries"`
	// RequestTimeout applies to each individual request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ProbeTimeout applies to the reachability probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// SessionGrace is how long terminal sessions are retained for manual retry.
	SessionGrace time.Duration `yaml:"session_grace"`
	// Chunked toggles chunked uploads; single-shot when false.
	Chunked bool `yaml:"chunked"`
}

// JobsConfig configures transcription job polling.
type JobsConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// MetricsConfig configures the prometheus listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		Log: LogConfig{Level: "info"},
		Capture: CaptureConfig{
			ChunkInterval:    5 * time.Second,
			MinChunkInterval: 1 * time.Second,
			MaxChunkBytes:    1 << 20, // 1 MiB
			MaxDuration:      30 * time.Minute,
			MaxBytes:         100 << 20, // 100 MiB
			WarnFraction:     0.8,
		},
		Upload: UploadConfig{
			ChunkSize:      5 << 20, // 5 MiB
			ChunkThreshold: 5 << 20,
			MaxBlobBytes:   500 << 20,
			MaxRetries:     3,
			RequestTimeout: 60 * time.Second,
			ProbeTimeout:   5 * time.Second,
			SessionGrace:   5 * time.Minute,
			Chunked:        true,
		},
		Jobs: JobsConfig{
			PollInterval: 3 * time.Second,
			MaxAttempts:  60,
		},
		Metrics: MetricsConfig{ListenAddr: ":9216"},
	}
}

// Validate checks the configuration for contradictions and returns every
// problem found, not just the first.
func (c AppConfig) Validate() error {
	var errs []string

	if c.Capture.ChunkInterval <= 0 {
		errs = append(errs, "capture.chunk_interval must be positive")
	}
	if c.Capture.MinChunkInterval <= 0 {
		errs = append(errs, "capture.min_chunk_interval must be positive")
	}
	if c.Capture.MinChunkInterval > c.Capture.ChunkInterval {
		errs = append(errs, "capture.min_chunk_interval must not exceed capture.chunk_interval")
	}
	if c.Capture.MaxChunkBytes <= 0 {
		errs = append(errs, "capture.max_chunk_bytes must be positive")
	}
	if c.Capture.MaxDuration <= 0 {
		errs = append(errs, "capture.max_duration must be positive")
	}
	if c.Capture.MaxBytes <= 0 {
		errs = append(errs, "capture.max_bytes must be positive")
	}
	if c.Capture.WarnFraction <= 0 || c.Capture.WarnFraction >= 1 {
		errs = append(errs, "capture.warn_fraction must be in (0,1)")
	}

	if c.Upload.Endpoint == "" {
		errs = append(errs, "upload.endpoint is required")
	}
	if c.Upload.ChunkSize <= 0 {
		errs = append(errs, "upload.chunk_size must be positive")
	}
	if c.Upload.MaxBlobBytes <= 0 {
		errs = append(errs, "upload.max_blob_bytes must be positive")
	}
	if c.Upload.MaxRetries < 0 {
		errs = append(errs, "upload.max_retries must not be negative")
	}

	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, "jobs.poll_interval must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		errs = append(errs, "jobs.max_attempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %v", errs)
	}
	return nil
}
