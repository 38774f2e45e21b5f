// SPDX-License-Identifier: MIT

// Command voxpipe records audio from a PCM source file, ships it to a
// transcription backend over the chunked upload protocol and polls the
// resulting job to completion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/capture"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/jobs"
	vplog "github.com/voxpipe/voxpipe/internal/log"
	"github.com/voxpipe/voxpipe/internal/memory"
	"github.com/voxpipe/voxpipe/internal/upload"
)

var (
	version   = "0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	input := flag.String("input", "", "path to raw PCM audio source")
	byteRate := flag.Int("byte-rate", 32000, "source byte rate (bytes per second)")
	recordFor := flag.Duration("record", 10*time.Second, "how long to capture before stopping")
	flag.Parse()

	if *showVersion {
		fmt.Printf("voxpipe %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "voxpipe: -input is required")
		os.Exit(2)
	}

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxpipe: load config: %v\n", err)
		os.Exit(1)
	}

	vplog.Configure(vplog.Config{
		Level:   cfg.Log.Level,
		Service: "voxpipe",
	})
	logger := vplog.WithComponent("main")
	logger.Info().Str("version", version).Str("input", *input).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *input, *byteRate, *recordFor); err != nil {
		logger.Error().Err(err).Msg("pipeline failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, input string, byteRate int, recordFor time.Duration) error {
	logger := vplog.WithComponent("main")

	monitor := memory.NewMonitor()
	stopWatch := monitor.Watch(5*time.Second, func(memory.Status) {})
	defer stopWatch()

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics listener up")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// The metrics listener lives as long as the pipeline run.
		err := pipeline(gctx, cfg, monitor, input, byteRate, recordFor)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return err
	})

	return g.Wait()
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// blobCollector assembles delivered chunks into the upload blob.
type blobCollector struct {
	capture.NopListener
	mu   sync.Mutex
	blob []byte
}

func (c *blobCollector) OnChunk(chunk capture.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob = append(c.blob, chunk.Data...)
}

func (c *blobCollector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blob
}

func pipeline(ctx context.Context, cfg config.AppConfig, monitor *memory.Monitor, input string, byteRate int, recordFor time.Duration) error {
	logger := vplog.WithComponent("pipeline")

	collector := &blobCollector{}
	device := capture.NewFileDevice(input, byteRate)
	session := capture.NewSession(capture.Config{
		ChunkInterval:    cfg.Capture.ChunkInterval,
		MinChunkInterval: cfg.Capture.MinChunkInterval,
		MaxChunkBytes:    cfg.Capture.MaxChunkBytes,
		MaxDuration:      cfg.Capture.MaxDuration,
		MaxBytes:         cfg.Capture.MaxBytes,
		WarnFraction:     cfg.Capture.WarnFraction,
		EnableChunking:   true,
		AdaptiveChunking: true,
	}, capture.StaticCapabilityProvider{Caps: capture.Capabilities{
		MimeType:   "audio/pcm",
		SampleRate: byteRate / 2,
		Platform:   capture.PlatformDesktop,
	}}, device, monitor, capture.WithListener(collector))

	if _, err := session.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize capture: %w", err)
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = session.Stop()
		return ctx.Err()
	case <-time.After(recordFor):
	}
	if err := session.Stop(); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}

	blob := collector.bytes()
	if len(blob) == 0 {
		return fmt.Errorf("no audio captured from %s", input)
	}
	logger.Info().Int("bytes", len(blob)).Msg("capture finished, uploading")

	orch := upload.NewOrchestrator(
		upload.WithVersion(version),
		upload.WithSessionGrace(cfg.Upload.SessionGrace),
	)
	defer orch.Close()

	result, err := orch.Upload(ctx, blob, upload.Config{
		Endpoint:       cfg.Upload.Endpoint,
		ChunkSize:      cfg.Upload.ChunkSize,
		ChunkThreshold: cfg.Upload.ChunkThreshold,
		MaxBlobBytes:   cfg.Upload.MaxBlobBytes,
		MaxRetries:     cfg.Upload.MaxRetries,
		Chunked:        cfg.Upload.Chunked,
		RequestTimeout: cfg.Upload.RequestTimeout,
		ProbeTimeout:   cfg.Upload.ProbeTimeout,
		Filename:       "recording.pcm",
		Metadata: map[string]string{
			"mimeType": "audio/pcm",
			"byteRate": fmt.Sprint(byteRate),
		},
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	logger.Info().Str("job_id", result.JobID).Msg("upload accepted")

	jobBase := cfg.Jobs.BaseURL
	if jobBase == "" {
		jobBase = cfg.Upload.Endpoint
	}
	tracker := jobs.NewTracker(
		jobs.NewClient(jobBase, version, cfg.Upload.RequestTimeout),
		jobs.WithPollInterval(cfg.Jobs.PollInterval),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithTransitions(func(j jobs.Job) {
			logger.Info().Str("status", j.Status.String()).Msg("job status")
		}),
	)
	outcome, err := tracker.Track(ctx, result.JobID)
	if err != nil {
		return fmt.Errorf("track job: %w", err)
	}
	if outcome.TimedOut {
		logger.Warn().Msg(outcome.Message)
		return nil
	}
	logger.Info().Str("status", outcome.Job.Status.String()).Msg(outcome.Message)
	if outcome.Job.TranscriptText != "" {
		fmt.Println(outcome.Job.TranscriptText)
	}
	return nil
}
