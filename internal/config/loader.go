// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a new configuration loader. configPath may be empty, in
// which case only defaults and environment variables apply.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load loads configuration in strict validated order:
// set defaults, merge file (strict), apply env, validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.mergeFile(&cfg); err != nil {
			return AppConfig{}, err
		}
	}

	l.mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (l *Loader) mergeFile(cfg *AppConfig) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s: %w", l.configPath, err)
		}
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Log.Level = ParseString("VOXPIPE_LOG_LEVEL", cfg.Log.Level)

	cfg.Capture.ChunkInterval = ParseDuration("VOXPIPE_CHUNK_INTERVAL", cfg.Capture.ChunkInterval)
	cfg.Capture.MinChunkInterval = ParseDuration("VOXPIPE_MIN_CHUNK_INTERVAL", cfg.Capture.MinChunkInterval)
	cfg.Capture.MaxChunkBytes = ParseInt64("VOXPIPE_MAX_CHUNK_BYTES", cfg.Capture.MaxChunkBytes)
	cfg.Capture.MaxDuration = ParseDuration("VOXPIPE_MAX_DURATION", cfg.Capture.MaxDuration)
	cfg.Capture.MaxBytes = ParseInt64("VOXPIPE_MAX_BYTES", cfg.Capture.MaxBytes)

	cfg.Upload.Endpoint = ParseString("VOXPIPE_UPLOAD_ENDPOINT", cfg.Upload.Endpoint)
	cfg.Upload.ChunkSize = ParseInt64("VOXPIPE_UPLOAD_CHUNK_SIZE", cfg.Upload.ChunkSize)
	cfg.Upload.ChunkThreshold = ParseInt64("VOXPIPE_UPLOAD_CHUNK_THRESHOLD", cfg.Upload.ChunkThreshold)
	cfg.Upload.MaxBlobBytes = ParseInt64("VOXPIPE_UPLOAD_MAX_BLOB_BYTES", cfg.Upload.MaxBlobBytes)
	cfg.Upload.MaxRetries = ParseInt("VOXPIPE_UPLOAD_MAX_RETRIES", cfg.Upload.MaxRetries)
	cfg.Upload.RequestTimeout = ParseDuration("VOXPIPE_UPLOAD_TIMEOUT", cfg.Upload.RequestTimeout)
	cfg.Upload.Chunked = ParseBool("VOXPIPE_UPLOAD_CHUNKED", cfg.Upload.Chunked)

	cfg.Jobs.BaseURL = ParseString("VOXPIPE_JOBS_BASE_URL", cfg.Jobs.BaseURL)
	cfg.Jobs.PollInterval = ParseDuration("VOXPIPE_JOBS_POLL_INTERVAL", cfg.Jobs.PollInterval)
	cfg.Jobs.MaxAttempts = ParseInt("VOXPIPE_JOBS_MAX_ATTEMPTS", cfg.Jobs.MaxAttempts)

	cfg.Metrics.ListenAddr = ParseString("VOXPIPE_METRICS_LISTEN", cfg.Metrics.ListenAddr)
}
